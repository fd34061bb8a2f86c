package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/satriahrh/voicechat/internal/api"
	"github.com/satriahrh/voicechat/internal/auth"
)

var (
	projectID string
	widgetKey string
	jwtSecret string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain a widget token",
	Long: `Obtain a widget token for a project.

With --key the token is requested from the server the same way the browser
widget does. With --secret it is minted locally, which needs the server's
JWT_SECRET.

Examples:
  voicectl token --project demo --key demo-key
  voicectl token --project demo --secret "$JWT_SECRET" --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := resolveToken(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{tokenCmd, talkCmd} {
		c.Flags().StringVarP(&projectID, "project", "p", os.Getenv("DEMO_PROJECT_ID"), "project id")
		c.Flags().StringVarP(&widgetKey, "key", "k", os.Getenv("DEMO_WIDGET_KEY"), "widget key")
		c.Flags().StringVar(&jwtSecret, "secret", "", "mint the token locally with this signing secret")
		c.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "lifetime of a locally minted token")
	}
}

func resolveToken(ctx context.Context) (string, error) {
	if projectID == "" {
		return "", errors.New("project id is required, use --project")
	}
	if jwtSecret != "" {
		issuer, err := auth.NewIssuer(jwtSecret, tokenTTL)
		if err != nil {
			return "", err
		}
		token, _, err := issuer.GenerateWidgetToken(projectID)
		return token, err
	}
	if widgetKey == "" {
		return "", errors.New("either --key or --secret is required")
	}
	resp, err := fetchToken(ctx, http.DefaultClient, serverURL, projectID, widgetKey)
	if err != nil {
		return "", err
	}
	printVerbose("Token for %s expires at %s", resp.ProjectID, resp.ExpiresAt.Format(time.RFC3339))
	return resp.Token, nil
}

// fetchToken exchanges a widget key for a token at POST /api/v1/widget/token.
func fetchToken(ctx context.Context, client *http.Client, server, projectID, key string) (*api.WidgetTokenResponse, error) {
	body, err := json.Marshal(api.WidgetTokenRequest{ProjectID: projectID, WidgetKey: key})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/widget/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("token request rejected: %s", apiErr.Message)
		}
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp api.WidgetTokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &tokenResp, nil
}
