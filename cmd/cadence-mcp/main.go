// Command cadence-mcp bridges desktop MCP clients that speak stdio to the
// cadence server's streamable HTTP endpoint.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
)

// maxFrame bounds a single newline-delimited JSON-RPC message.
const maxFrame = 10 << 20

// jsonRPCServerError is the implementation-defined JSON-RPC error code used
// for every transport or gateway failure.
const jsonRPCServerError = -32000

// Bridge relays JSON-RPC frames between stdio and one HTTP MCP endpoint.
type Bridge struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *common.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries protocol frames, so logs go to stderr only.
	logger := common.NewLoggerWithOutput(os.Getenv("CADENCE_LOG_LEVEL"), os.Stderr)

	token, err := loadToken()
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot read access token")
	}
	if token == "" {
		logger.Warn().Msg("No access token configured, tool calls will be rejected")
	}

	b := NewBridge(serverURL(), token, logger)
	if err := b.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Bridge stopped")
		os.Exit(1)
	}
}

func serverURL() string {
	if v := os.Getenv("CADENCE_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// loadToken prefers CADENCE_TOKEN and falls back to the file named by
// CADENCE_TOKEN_FILE.
func loadToken() (string, error) {
	if v := os.Getenv("CADENCE_TOKEN"); v != "" {
		return v, nil
	}
	path := os.Getenv("CADENCE_TOKEN_FILE")
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// NewBridge targets the /mcp endpoint under baseURL.
func NewBridge(baseURL, token string, logger *common.Logger) *Bridge {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Bridge{
		endpoint: strings.TrimRight(baseURL, "/") + "/mcp",
		token:    token,
		client:   &http.Client{Timeout: 2 * time.Minute},
		logger:   logger,
	}
}

// Run relays until r is exhausted or ctx is cancelled. A failed request is
// answered with a JSON-RPC error; notifications never get a reply.
func (b *Bridge) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrame)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := bytes.TrimSpace(scanner.Bytes())
		if len(frame) == 0 {
			continue
		}

		reply, err := b.roundTrip(ctx, frame)
		if err != nil {
			b.logger.Debug().Err(err).Msg("Relay failed")
			id := requestID(frame)
			if id == nil {
				continue
			}
			reply = errorFrame(id, err.Error())
		}
		if len(reply) == 0 {
			continue
		}
		out.Write(reply)
		out.WriteByte('\n')
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// roundTrip posts one frame and returns the reply frame, or nil when the
// server accepted a notification.
func (b *Bridge) roundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrame))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized (%s): set CADENCE_TOKEN to a valid access token", challengeReason(resp.Header))
	default:
		return nil, gatewayFailure(resp.StatusCode, body)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return lastEventData(body), nil
	}
	return bytes.TrimSpace(body), nil
}

// gatewayFailure renders a gateway error body as "code: message (hint)".
// Bodies in any other shape are passed through verbatim.
func gatewayFailure(status int, body []byte) error {
	var eb common.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Code == "" {
		return fmt.Errorf("server returned %d: %s", status, bytes.TrimSpace(body))
	}
	msg := fmt.Sprintf("%s: %s", eb.Code, eb.Error)
	if eb.Hint != "" {
		msg += " (" + eb.Hint + ")"
	}
	return errors.New(msg)
}

// challengeReason extracts error_description from a Bearer challenge.
func challengeReason(h http.Header) string {
	const key = `error_description="`
	v := h.Get("WWW-Authenticate")
	i := strings.Index(v, key)
	if i < 0 {
		return "no token"
	}
	rest := v[i+len(key):]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return rest
}

// lastEventData returns the data of the final event in an SSE body. The
// stateless server answers each request with a single event.
func lastEventData(body []byte) []byte {
	var data []byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		if rest, ok := bytes.CutPrefix(bytes.TrimRight(line, "\r"), []byte("data:")); ok {
			data = bytes.TrimSpace(rest)
		}
	}
	return data
}

// requestID returns the JSON-RPC id of frame, or nil for notifications and
// unparseable input.
func requestID(frame []byte) json.RawMessage {
	var msg struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || len(msg.ID) == 0 || string(msg.ID) == "null" {
		return nil
	}
	return msg.ID
}

func errorFrame(id json.RawMessage, message string) []byte {
	type rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	data, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   rpcError        `json:"error"`
	}{"2.0", id, rpcError{jsonRPCServerError, message}})
	return data
}
