package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/admin"
	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/diagstore"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func TestSimulateWithPortFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := Simulate(ctx, SimulateOptions{
		Generation:     "g3",
		Compression:    "lz4",
		Ranks:          4,
		LocalGroupSize: 2,
		Iterations:     3,
		Count:          1024,
		PortDown:       20,
		Failback:       true,
		FailbackDelay:  20 * time.Millisecond,
		Timeout:        30 * time.Second,
	}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Contains(t, lines[0], "COLLECTIVES")
	for _, line := range lines[1:5] {
		fields := strings.Fields(line)
		assert.Equal(t, "6", fields[2], line)
		assert.Equal(t, "idle", fields[3], line)
	}
	assert.Contains(t, out.String(), "4 ranks finished")
}

func TestSimulateRejectsBadLayout(t *testing.T) {
	err := Simulate(context.Background(), SimulateOptions{Ranks: 3, LocalGroupSize: 2, Generation: "g3"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of local-group-size")

	err = Simulate(context.Background(), SimulateOptions{Ranks: 2, LocalGroupSize: 2, Generation: "g7"}, &bytes.Buffer{})
	require.Error(t, err)
}

func newAdminServer(t *testing.T) (*httptest.Server, *diagstore.Store) {
	t.Helper()

	coord, err := bootstrap.NewCoordinator(bootstrap.CoordinatorConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	store, err := diagstore.Open(diagstore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(admin.NewRouter(admin.NewHandler(coord, store)))
	t.Cleanup(srv.Close)

	return srv, store
}

func TestAdminClient(t *testing.T) {
	srv, store := newAdminServer(t)
	client := NewAdminClient(srv.URL + "/")
	ctx := context.Background()

	sessions, err := client.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = client.Session(ctx, hccltypes.NewUniqueID().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	comm := hccltypes.NewUniqueID()
	store.RecordDrift(comm, "collective", "all_gather count=8", 3*time.Second, nil)

	drifts, err := client.Drifts(ctx, comm.String())
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "collective", drifts[0].Kind)

	logs, err := client.CollectiveLog(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSessionsCommand(t *testing.T) {
	srv, _ := newAdminServer(t)

	var out bytes.Buffer
	cmd := NewSessionsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--endpoint", srv.URL})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "No sessions\n", out.String())
}

func TestDriftCommandOutput(t *testing.T) {
	srv, store := newAdminServer(t)

	comm := hccltypes.NewUniqueID()
	store.RecordDrift(comm, "sendrecv", "0->1 count=16", 2*time.Second, nil)

	var out bytes.Buffer
	cmd := NewDriftCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--endpoint", srv.URL, "--comm", comm.String(), "-o", "yaml"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "kind: sendrecv")
	assert.Contains(t, out.String(), "comm: "+comm.String())

	cmd = NewDriftCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--endpoint", srv.URL, "-o", "xml"})
	require.Error(t, cmd.Execute())
}
