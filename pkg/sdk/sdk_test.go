package sdk_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/internal/app"
	"github.com/agies-dev/agies-guard/internal/config"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/internal/server"
	"github.com/agies-dev/agies-guard/pkg/schema"
	"github.com/agies-dev/agies-guard/pkg/sdk"
)

type login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func evidence(step schema.Step, token string) map[string]string {
	switch step {
	case schema.StepDevice:
		return map[string]string{oneway.EvidenceDeviceID: "phone"}
	case schema.StepTimeWindow:
		return map[string]string{oneway.EvidenceToken: token}
	case schema.StepTwoFactor:
		return map[string]string{oneway.EvidenceCode: "987654"}
	case schema.StepBiometric:
		return map[string]string{oneway.EvidenceBiometric: "face"}
	case schema.StepHardwareKey:
		return map[string]string{oneway.EvidenceAssertion: "key"}
	}
	return nil
}

func openApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Audit.Log = false
	a, err := app.Open(context.Background(), &cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func startServer(t *testing.T) string {
	t.Helper()
	a := openApp(t)
	t.Cleanup(func() { _ = a.Close() })

	router := server.NewRouter(a.Guardian, zaptest.NewLogger(t))
	go router.Listen("0")
	t.Cleanup(func() { _ = router.Stop() })

	var addr string
	require.Eventually(t, func() bool {
		if a := router.Addr(); a != nil {
			addr = fmt.Sprintf("127.0.0.1:%d", a.(*net.TCPAddr).Port)
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return addr
}

func exercise(t *testing.T, g sdk.Guard) {
	t.Helper()
	ctx := context.Background()
	alice := g.User("alice")

	dep, err := sdk.DepositValue(ctx, g, "alice", schema.SourceUserInput, schema.DataPassword, "mail",
		login{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "mail", dep.ItemID)

	res, err := alice.Export(ctx, schema.DataPassword, "mail", evidence)
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := sdk.Item[login](res.Payload, "mail")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Password)

	stats, err := alice.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SuccessfulExits)

	adm, err := g.Admit(ctx, "alice", schema.SourceAPI, map[string]any{"title": "t", "content": "c"})
	assert.ErrorIs(t, err, schema.ErrEntryDenied)
	assert.Equal(t, schema.CodeEntryDenied, adm.Code)

	_, err = alice.Export(ctx, schema.DataNote, "", nil)
	assert.ErrorIs(t, err, schema.ErrVerificationFailed)

	v, err := g.DetectViolation(ctx, "bob", "copy  the   secret file")
	require.NoError(t, err)
	assert.True(t, v.IsViolation)

	a, err := g.Classify(ctx, schema.AttackEvent{SourceAddress: "203.0.113.50", Payload: "1 OR 1=1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.EventID)

	intel, err := g.Intelligence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, intel.TotalEvents)
}

func TestRemoteClient(t *testing.T) {
	client, err := sdk.Connect(startServer(t), sdk.WithTLS(false), sdk.WithClientLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))
	exercise(t, client)
}

func TestRemoteClientRejectsBadArguments(t *testing.T) {
	client, err := sdk.Connect(startServer(t), sdk.WithTLS(false))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Initiate(context.Background(), "two words", schema.DataNote, "")
	assert.ErrorIs(t, err, schema.ErrInvalidArgument)

	_, err = client.Attempt(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, schema.ErrAttemptNotFound)
}

func TestEmbedded(t *testing.T) {
	g := sdk.Embed(openApp(t))
	defer g.Close()
	exercise(t, g)
}

func TestNewFallsBackToEmbedded(t *testing.T) {
	t.Setenv(sdk.EnvAddr, "127.0.0.1:1")
	t.Setenv("AGIES_DATA_DIR", t.TempDir())
	t.Setenv("AGIES_AUDIT__LOG", "false")

	g, err := sdk.New(context.Background(), "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer g.Close()

	_, ok := g.(*sdk.Embedded)
	assert.True(t, ok)
}

func TestItemErrors(t *testing.T) {
	_, err := sdk.Item[login](nil, "x")
	assert.Error(t, err)

	_, err = sdk.Item[login](&schema.ExportPayload{Items: map[string]string{}}, "x")
	assert.Error(t, err)
}
