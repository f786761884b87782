package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"veranda/internal/models"
)

const (
	testAPIAddr = "127.0.0.1:8891"
	testSecret  = "very-secure-test-secret"
)

func registerPrincipal(t *testing.T, id string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"id": id, "displayName": id})
	req, err := http.NewRequest("POST", fmt.Sprintf("http://%s/api/principals", testAPIAddr), bytes.NewBuffer(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("admin-secret", testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.Token)
	return result.Token
}

func readFrame(t *testing.T, conn *websocket.Conn, want models.ServerFrameType) models.ServerFrame {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f models.ServerFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("no %s frame before deadline", want)
	return models.ServerFrame{}
}

func TestIntegration(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "integration_test.db")

	_ = os.Setenv("VERANDA_DB", dbFile)
	_ = os.Setenv("API_ADDR", testAPIAddr)
	_ = os.Setenv("AUTH_SECRET", testSecret)
	defer func() {
		_ = os.Unsetenv("VERANDA_DB")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("AUTH_SECRET")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, "", ""); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/healthz", testAPIAddr), 20)

	// Step 1: register two principals via the admin endpoint.
	aliceToken := registerPrincipal(t, "alice")
	bobToken := registerPrincipal(t, "bob")

	// Registration without the admin secret must be refused.
	badReq, _ := http.NewRequest("POST", fmt.Sprintf("http://%s/api/principals", testAPIAddr), bytes.NewBufferString(`{"id":"eve"}`))
	badResp, err := http.DefaultClient.Do(badReq)
	require.NoError(t, err)
	_ = badResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, badResp.StatusCode)

	// Step 2: alice creates a direct thread with bob.
	threadBody, _ := json.Marshal(map[string]interface{}{
		"kind":    "direct",
		"members": []string{"alice", "bob"},
	})
	req, _ := http.NewRequest("POST", fmt.Sprintf("http://%s/api/threads", testAPIAddr), bytes.NewBuffer(threadBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", aliceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var thread models.Thread
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&thread))
	require.NotEmpty(t, thread.ID)

	// Step 3: both sides connect over websocket and subscribe.
	wsURL := fmt.Sprintf("ws://%s/api/chat", testAPIAddr)
	dial := func(token string) *websocket.Conn {
		header := http.Header{}
		header.Set("token", token)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		return conn
	}

	aliceConn := dial(aliceToken)
	defer func() { _ = aliceConn.Close() }()
	bobConn := dial(bobToken)
	defer func() { _ = bobConn.Close() }()

	subscribe := models.ClientFrame{Type: models.ClientFrameTypeSubscribe, ThreadID: thread.ID}
	require.NoError(t, aliceConn.WriteJSON(subscribe))
	require.NoError(t, bobConn.WriteJSON(subscribe))

	// Step 4: alice sends, bob receives, alice gets her ack back.
	require.NoError(t, aliceConn.WriteJSON(models.ClientFrame{
		Type:          models.ClientFrameTypeSend,
		ThreadID:      thread.ID,
		ProvisionalID: "prov-1",
		Content:       &models.Content{Kind: models.ContentKindText, Text: "hello *there*"},
	}))

	msgFrame := readFrame(t, bobConn, models.ServerFrameTypeMessages)
	require.Len(t, msgFrame.Messages, 1)
	require.Equal(t, "alice", msgFrame.Messages[0].AuthorID)
	require.Equal(t, "hello *there*", msgFrame.Messages[0].Content.Text)
	require.Contains(t, msgFrame.Messages[0].Content.HTML, "<em>there</em>")

	ackFrame := readFrame(t, aliceConn, models.ServerFrameTypeAck)
	require.Equal(t, "prov-1", ackFrame.Ack.ProvisionalID)
	messageID := ackFrame.Ack.Message.ID

	// Step 5: bob reacts; the REST page reflects the stored reaction.
	require.NoError(t, bobConn.WriteJSON(models.ClientFrame{
		Type:      models.ClientFrameTypeReact,
		ThreadID:  thread.ID,
		MessageID: messageID,
		Emoji:     "🎉",
	}))

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest("GET", fmt.Sprintf("http://%s/api/threads/%s/messages", testAPIAddr, thread.ID), nil)
		req.Header.Set("token", aliceToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var msgs []models.Message
		if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil || len(msgs) != 1 {
			return false
		}
		emoji, ok := msgs[0].ReactionOf("bob")
		return ok && emoji == "🎉"
	}, 5*time.Second, 100*time.Millisecond)

	// Step 6: thread view reports both members online.
	req, _ = http.NewRequest("GET", fmt.Sprintf("http://%s/api/threads/%s", testAPIAddr, thread.ID), nil)
	req.Header.Set("token", bobToken)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var view struct {
		Title  string   `json:"title"`
		Online []string `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&view))
	require.Equal(t, "alice", view.Title)
	require.ElementsMatch(t, []string{"alice", "bob"}, view.Online)

	// Step 7: an outsider is kept out of the thread.
	eveToken := registerPrincipal(t, "eve")
	req, _ = http.NewRequest("GET", fmt.Sprintf("http://%s/api/threads/%s", testAPIAddr, thread.ID), nil)
	req.Header.Set("token", eveToken)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp3.Body.Close()
	require.Equal(t, http.StatusForbidden, resp3.StatusCode)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
