package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"lindachat/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "lindachat", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"serve"}, {"whoami"}, {"send"}, {"history"}, {"block"}, {"unblock"}, {"block-status"},
		{"conversation", "create"}, {"conversation", "join"}, {"conversation", "leave"},
		{"conversation", "delete"}, {"conversation", "search"}, {"conversation", "members"},
		{"conversation", "mine"}, {"friend", "request"}, {"friend", "accept"}, {"friend", "reject"},
		{"friend", "remove"}, {"friend", "list"}, {"friend", "requests"}, {"direct", "open"}, {"peers"},
	}
	for _, path := range paths {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("api"))
}

func TestInvalidFormatIsCommandError(t *testing.T) {
	_, err := execute(t, "--format", "xml", "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOutputFormatterJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]string{"id": "grp_1"}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	buf.Reset()
	require.NoError(t, f.Error("not_found", "conversation grp_1"))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestOutputFormatterYAMLUsesJSONNames(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "yaml", Writer: buf}

	require.NoError(t, f.Success(struct {
		ConversationID string `json:"conversation_id"`
	}{ConversationID: "grp_1"}))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "ok", decoded["status"])
	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "grp_1", data["conversation_id"])
}

func TestOutputFormatterText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success(done("blocked")))
	assert.Equal(t, "blocked\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Error("blocked", "direct chat"))
	assert.Equal(t, "Error [blocked]: direct chat\n", buf.String())
}

func TestClientDecodesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required","code":"authentication_required"}`))
		default:
			http.Error(w, "upstream down", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	err := c.do(context.Background(), http.MethodGet, "/me", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "authentication_required", apiErr.Code)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	err = c.do(context.Background(), http.MethodGet, "/other", nil, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "http_502", apiErr.Code)
}

func TestUnreachableNodeIsCommandError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	_, err := execute(t, "--api", addr, "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommandsAgainstRunningNode(t *testing.T) {
	t.Setenv("LINDA_DATA_DIR", t.TempDir())
	t.Setenv("LINDA_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("LINDA_ALIAS", "alice")

	cfg, cfgPath, err := config.LoadOrCreate()
	require.NoError(t, err)
	cfg.DiscoveryDisabled = true

	n, err := startNode(context.Background(), nodeOptions{Config: cfg, ConfigPath: cfgPath, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer n.Close()
	api := n.httpAddr.String()

	out, err := execute(t, "--api", api, "--format", "json", "whoami")
	require.NoError(t, err)
	var who struct {
		Data struct {
			Pub   string `json:"pub"`
			Alias string `json:"alias"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	assert.Equal(t, n.identity.Pub, who.Data.Pub)
	assert.Equal(t, "alice", who.Data.Alias)

	stored, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.KeyFingerprint, stored.KeyFingerprint)
	assert.NotEqual(t, "alice", stored.Alias, "env overrides stay out of config.json")

	out, err = execute(t, "--api", api, "--format", "json", "conversation", "create", "Book Club", "--type", "channel")
	require.NoError(t, err)
	var created struct {
		Data struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.Data.ID)
	assert.Equal(t, "channel", created.Data.Type)

	_, err = execute(t, "--api", api, "send", created.Data.ID, "hello", "world")
	require.NoError(t, err)

	out, err = execute(t, "--api", api, "history", created.Data.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "me: hello world")

	out, err = execute(t, "--api", api, "conversation", "search", "book")
	require.NoError(t, err)
	assert.Contains(t, out, created.Data.ID)

	out, err = execute(t, "--api", api, "--format", "json", "send", "grp_missing", "hi")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var failed CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	assert.Equal(t, "not_found", failed.Error.Code)

	out, err = execute(t, "--api", api, "peers")
	require.NoError(t, err)
	assert.Contains(t, out, "CONNECTED")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}
