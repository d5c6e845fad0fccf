// Package testing provides shared helpers for tests that need a Firestore emulator.
package testing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	emulatorHostEnv     = "FIRESTORE_EMULATOR_HOST"
	emulatorStartupTime = 10 * time.Second
	pollInterval        = 100 * time.Millisecond
	clearDataTimeout    = 10 * time.Second
)

var (
	ErrEmulatorStartTimeout = errors.New("emulator did not start within timeout")
	ErrEmulatorClearFailed  = errors.New("failed to clear emulator data")
	ErrEmulatorUnavailable  = errors.New("no Firestore emulator available")
)

// FirestoreEmulator is a connection to a Firestore emulator scoped to one test.
// Each emulator gets its own project id so tests never see each other's documents.
type FirestoreEmulator struct {
	Host      string
	ProjectID string
	Client    *firestore.Client
	cmd       *exec.Cmd
}

// SetupFirestoreEmulator connects to the emulator named by FIRESTORE_EMULATOR_HOST, or starts one
// through gcloud. The test is skipped when neither is possible. Resources are released through t.Cleanup.
func SetupFirestoreEmulator(t *testing.T) (*FirestoreEmulator, context.Context) {
	t.Helper()

	ctx := context.Background()
	emulator := &FirestoreEmulator{
		Host:      os.Getenv(emulatorHostEnv),
		ProjectID: "notifier-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}

	if emulator.Host == "" {
		if err := emulator.start(t); err != nil {
			t.Skipf("Skipping Firestore test: %v", err)
		}
	}

	conn, err := grpc.Dial(emulator.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		emulator.stop()
		t.Fatalf("Failed to dial Firestore emulator: %v", err)
	}
	client, err := firestore.NewClient(ctx, emulator.ProjectID, option.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		emulator.stop()
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	emulator.Client = client

	t.Cleanup(func() {
		if err := emulator.ClearData(context.Background()); err != nil {
			t.Logf("Failed to clear emulator data: %v", err)
		}
		_ = client.Close()
		emulator.stop()
	})

	return emulator, ctx
}

func (e *FirestoreEmulator) start(t *testing.T) error {
	t.Helper()

	if _, err := exec.LookPath("gcloud"); err != nil {
		return fmt.Errorf("%w: %s unset and gcloud not in PATH", ErrEmulatorUnavailable, emulatorHostEnv)
	}

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmulatorUnavailable, err)
	}
	e.Host = listener.Addr().String()
	_ = listener.Close()

	// #nosec G204 -- arguments are fixed apart from a local port
	e.cmd = exec.Command("gcloud", "emulators", "firestore", "start", "--host-port", e.Host)
	if err := e.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start emulator: %w", err)
	}
	t.Setenv(emulatorHostEnv, e.Host)

	deadline := time.Now().Add(emulatorStartupTime)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + e.Host + "/")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				t.Logf("Started Firestore emulator at %s", e.Host)
				return nil
			}
		}
		time.Sleep(pollInterval)
	}

	e.stop()
	return fmt.Errorf("%w: %v", ErrEmulatorStartTimeout, emulatorStartupTime)
}

func (e *FirestoreEmulator) stop() {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
		e.cmd = nil
	}
}

// ClearData deletes every document in the emulator project.
func (e *FirestoreEmulator) ClearData(ctx context.Context) error {
	endpoint := fmt.Sprintf("http://%s/emulator/v1/projects/%s/databases/(default)/documents", e.Host, e.ProjectID)

	ctx, cancel := context.WithTimeout(ctx, clearDataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create clear data request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmulatorClearFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A project that was never written to answers 404 or 500.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusInternalServerError:
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrEmulatorClearFailed, resp.StatusCode)
	}
}
