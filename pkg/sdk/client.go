// Package sdk is the client library for Agies Guard. It talks to a remote
// daemon over TCP/TLS or runs the guard embedded in the calling process.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const maxAttempts = 3

// Client is a remote Guard.
type Client struct {
	addr   string
	useTLS bool
	logger *zap.Logger

	mu     sync.Mutex // guards conn and reader
	conn   net.Conn
	reader *bufio.Reader
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTLS toggles TLS. It is on by default.
func WithTLS(enabled bool) ClientOption { return func(c *Client) { c.useTLS = enabled } }

// WithClientLogger sets the logger for connection diagnostics.
func WithClientLogger(l *zap.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// Connect dials a guard daemon.
func Connect(addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{addr: addr, useTLS: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.useTLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // the daemon uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// roundTrip sends one command line and returns the reply payload after
// "OK ". Transport failures are retried with backoff; "ERR" replies are
// decoded into *schema.Error and returned at once.
func (c *Client) roundTrip(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < maxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if c.conn == nil {
			if rerr := c.reconnect(); rerr != nil {
				err = fmt.Errorf("reconnect failed: %w", rerr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		deadline := time.Now().Add(30 * time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetDeadline(deadline)

		var resp string
		if _, err = fmt.Fprint(c.conn, cmd+"\n"); err == nil {
			if resp, err = c.reader.ReadString('\n'); err == nil {
				return parseReply(strings.TrimSpace(resp))
			}
		}

		c.logger.Warn("guard request failed, reconnecting", zap.Int("attempt", i+1), zap.Error(err))
		if rerr := c.reconnect(); rerr != nil {
			c.logger.Warn("reconnect failed", zap.Error(rerr))
		}
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}
	return "", fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
}

func parseReply(resp string) (string, error) {
	switch {
	case resp == "PONG":
		return resp, nil
	case strings.HasPrefix(resp, "OK"):
		return strings.TrimSpace(strings.TrimPrefix(resp, "OK")), nil
	case strings.HasPrefix(resp, "ERR"):
		rest := strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))
		code, msg, _ := strings.Cut(rest, " ")
		return "", &schema.Error{Code: schema.Code(code), Message: msg}
	}
	return "", fmt.Errorf("unexpected reply %q", resp)
}

// call runs cmd and decodes the JSON reply into T.
func call[T any](ctx context.Context, c *Client, cmd string) (T, error) {
	var out T
	resp, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return out, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}

// failure returns the code and reason carried by err.
func failure(err error) (schema.Code, string) {
	var e *schema.Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return "", err.Error()
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// word rejects arguments that would break the line protocol.
func word(s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return &schema.Error{Code: schema.CodeInvalidArgument, Message: fmt.Sprintf("invalid argument %q", s)}
	}
	return nil
}

func words(ss ...string) error {
	for _, s := range ss {
		if err := word(s); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "PING")
	return err
}

func (c *Client) Classify(ctx context.Context, ev schema.AttackEvent) (schema.ThreatAssessment, error) {
	raw, err := encode(ev)
	if err != nil {
		return schema.ThreatAssessment{}, err
	}
	return call[schema.ThreatAssessment](ctx, c, "CLASSIFY "+raw)
}

func (c *Client) Intelligence(ctx context.Context) (schema.Intelligence, error) {
	return call[schema.Intelligence](ctx, c, "INTEL")
}

func (c *Client) Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error) {
	if err := words(userID, string(source)); err != nil {
		return schema.Admission{Code: schema.CodeInvalidArgument}, err
	}
	raw, err := encode(data)
	if err != nil {
		return schema.Admission{}, err
	}
	adm, err := call[schema.Admission](ctx, c, fmt.Sprintf("ADMIT %s %s %s", userID, source, raw))
	if err != nil {
		adm.Code, adm.Reason = failure(err)
	}
	return adm, err
}

func (c *Client) Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error) {
	if itemID == "" {
		itemID = "-"
	}
	if err := words(userID, string(source), string(dataType), itemID); err != nil {
		return schema.Deposit{DataType: dataType}, err
	}
	raw, err := encode(data)
	if err != nil {
		return schema.Deposit{DataType: dataType}, err
	}
	dep, err := call[schema.Deposit](ctx, c, fmt.Sprintf("DEPOSIT %s %s %s %s %s", userID, source, dataType, itemID, raw))
	if err != nil {
		dep.DataType = dataType
		dep.Admission.Code, dep.Admission.Reason = failure(err)
	}
	return dep, err
}

func (c *Client) Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error) {
	if err := words(userID, string(dataType)); err != nil {
		return schema.InitiateResult{Code: schema.CodeInvalidArgument}, err
	}
	cmd := fmt.Sprintf("INITIATE %s %s", userID, dataType)
	if dataID != "" {
		if err := word(dataID); err != nil {
			return schema.InitiateResult{Code: schema.CodeInvalidArgument}, err
		}
		cmd += " " + dataID
	}
	res, err := call[schema.InitiateResult](ctx, c, cmd)
	if err != nil {
		res.Code, res.Reason = failure(err)
	}
	return res, err
}

func (c *Client) VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error) {
	if err := words(userID, exitID, string(step)); err != nil {
		return schema.StepResult{Code: schema.CodeInvalidArgument}, err
	}
	if data == nil {
		data = map[string]string{}
	}
	raw, err := encode(data)
	if err != nil {
		return schema.StepResult{}, err
	}
	res, err := call[schema.StepResult](ctx, c, fmt.Sprintf("VERIFY %s %s %s %s", userID, exitID, step, raw))
	if err != nil {
		res.Code, res.Reason = failure(err)
	}
	return res, err
}

func (c *Client) Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error) {
	if err := words(userID, exitID); err != nil {
		return schema.ExecuteResult{Code: schema.CodeInvalidArgument}, err
	}
	res, err := call[schema.ExecuteResult](ctx, c, fmt.Sprintf("EXECUTE %s %s", userID, exitID))
	if err != nil {
		res.Code, res.Reason = failure(err)
	}
	return res, err
}

func (c *Client) Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error) {
	if err := words(userID, exitID); err != nil {
		return schema.ExitAttempt{}, err
	}
	return call[schema.ExitAttempt](ctx, c, fmt.Sprintf("ATTEMPT %s %s", userID, exitID))
}

func (c *Client) DetectViolation(ctx context.Context, userID, action string) (schema.Violation, error) {
	if err := word(userID); err != nil {
		return schema.Violation{}, err
	}
	action = strings.Join(strings.Fields(action), " ")
	return call[schema.Violation](ctx, c, fmt.Sprintf("VIOLATION %s %s", userID, action))
}

func (c *Client) Statistics(ctx context.Context, userID string) (schema.Statistics, error) {
	cmd := "STATS"
	if userID != "" {
		if err := word(userID); err != nil {
			return schema.Statistics{}, err
		}
		cmd += " " + userID
	}
	return call[schema.Statistics](ctx, c, cmd)
}

func (c *Client) User(userID string) UserScope {
	return newUserScope(c, userID)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
