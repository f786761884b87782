package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"veranda/internal/config"
	"veranda/internal/identity"
)

// RegisterPrincipal asks a running server to register a principal and
// prints the issued token.
func RegisterPrincipal(id, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(identity.Principal{ID: id, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/principals", cfg.APIAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("admin-secret", cfg.AuthSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to register principal (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nPrincipal Registered!\n")
	fmt.Printf("ID:    %s\n", id)
	fmt.Printf("Token: %s\n\n", result.Token)
	fmt.Println("Pass the token in the 'token' header or the ?token query parameter.")
	return nil
}
