package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/guard"
	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

func newGuardian(t *testing.T) *guard.Guardian {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	c, err := vault.NewCipher(key, time.Now())
	require.NoError(t, err)
	g, err := guard.New(guard.DefaultConfig(), engine.NewMemStore(nil, nil, zaptest.NewLogger(t)), c,
		guard.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func startRouter(t *testing.T, router *Router) string {
	t.Helper()
	go router.Listen("0")

	var port string
	require.Eventually(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		if router.listener == nil {
			return false
		}
		port = fmt.Sprintf("%d", router.listener.Addr().(*net.TCPAddr).Port)
		return true
	}, 2*time.Second, 10*time.Millisecond, "server did not start in time")

	t.Cleanup(func() { _ = router.Stop() })
	return "127.0.0.1:" + port
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(format string, args ...any) string {
	c.t.Helper()
	fmt.Fprintf(c.conn, format+"\n", args...)
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (c *client) ok(v any, format string, args ...any) {
	c.t.Helper()
	line := c.send(format, args...)
	require.True(c.t, strings.HasPrefix(line, "OK "), line)
	require.NoError(c.t, json.Unmarshal([]byte(strings.TrimPrefix(line, "OK ")), v))
}

func TestRouterExitFlow(t *testing.T) {
	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	c := dial(t, startRouter(t, router))

	assert.Equal(t, "PONG", c.send("PING"))

	var dep schema.Deposit
	c.ok(&dep, `DEPOSIT alice user-input password bank {"username":"alice","password":"hunter2"}`)
	assert.Equal(t, "bank", dep.ItemID)

	var init schema.InitiateResult
	c.ok(&init, "INITIATE alice password bank")
	require.True(t, init.Allowed)

	evidence := map[schema.Step]string{
		schema.StepAuthenticate: "",
		schema.StepDevice:       `{"device_id":"laptop"}`,
		schema.StepTimeWindow:   fmt.Sprintf(`{"token":%q}`, init.Token),
		schema.StepTwoFactor:    `{"code":"123456"}`,
	}
	for _, step := range init.RequiredSteps {
		var res schema.StepResult
		c.ok(&res, "VERIFY alice %s %s %s", init.ExitID, step, evidence[step])
		require.True(t, res.Success, "step %s", step)
	}

	var res schema.ExecuteResult
	c.ok(&res, "EXECUTE alice %s", init.ExitID)
	require.NotNil(t, res.Payload)
	assert.Contains(t, res.Payload.Items["bank"], "hunter2")

	assert.True(t, strings.HasPrefix(c.send("EXECUTE alice %s", init.ExitID), "ERR TOKEN_EXPIRED_OR_USED"))

	var attempt schema.ExitAttempt
	c.ok(&attempt, "ATTEMPT alice %s", init.ExitID)
	assert.Equal(t, schema.ExitCompleted, attempt.Status)

	var stats schema.Statistics
	c.ok(&stats, "STATS alice")
	assert.Equal(t, 1, stats.SuccessfulExits)
}

func TestRouterThreatCommands(t *testing.T) {
	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	c := dial(t, startRouter(t, router))

	var a schema.ThreatAssessment
	c.ok(&a, `CLASSIFY {"source_address":"203.0.113.9","user_agent":"nikto","payload":"<script>alert(1)</script>"}`)
	assert.Equal(t, "xss", a.Pattern.Pattern)

	var intel schema.Intelligence
	c.ok(&intel, "INTEL")
	assert.Equal(t, 1, intel.TotalEvents)

	var v schema.Violation
	c.ok(&v, "VIOLATION bob download the password file")
	assert.True(t, v.IsViolation)
	assert.Equal(t, schema.ViolationUnauthorizedExit, v.Type)
}

func TestRouterErrors(t *testing.T) {
	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	c := dial(t, startRouter(t, router))

	assert.True(t, strings.HasPrefix(c.send("ADMIT carol api {\"title\":\"t\",\"content\":\"c\"}"), "ERR ENTRY_DENIED"))
	assert.True(t, strings.HasPrefix(c.send("ADMIT carol"), "ERR INVALID_ARGUMENT"))
	assert.True(t, strings.HasPrefix(c.send("CLASSIFY not-json"), "ERR INVALID_ARGUMENT"))
	assert.True(t, strings.HasPrefix(c.send("INITIATE carol bulk"), "ERR INVALID_ARGUMENT"))
	assert.True(t, strings.HasPrefix(c.send("ATTEMPT carol nope"), "ERR ATTEMPT_NOT_FOUND"))
	assert.True(t, strings.HasPrefix(c.send("FROB"), "ERR INVALID_ARGUMENT unknown command FROB"))

	// Blank lines are ignored and the connection stays usable.
	fmt.Fprint(c.conn, "\n")
	assert.Equal(t, "PONG", c.send("PING"))
}

func TestRouterTLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert()
	require.NoError(t, err)

	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	router.SetCertificate(cert)
	addr := startRouter(t, router)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprint(conn, "PING\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", line)
}

func TestRouterStopClosesConnections(t *testing.T) {
	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	c := dial(t, startRouter(t, router))
	assert.Equal(t, "PONG", c.send("PING"))

	require.NoError(t, router.Stop())

	_, err := c.reader.ReadString('\n')
	assert.Error(t, err)
}

func TestRouterQuit(t *testing.T) {
	router := NewRouter(newGuardian(t), zaptest.NewLogger(t))
	c := dial(t, startRouter(t, router))

	fmt.Fprint(c.conn, "QUIT\n")
	_, err := c.reader.ReadString('\n')
	assert.Error(t, err)
}
