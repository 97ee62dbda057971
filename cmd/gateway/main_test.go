package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"pdks/pkg/eventbus"
	"pdks/pkg/models"
	"pdks/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type mockDBCloserGW struct{ closed bool }

func (m *mockDBCloserGW) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockDBCloserGW) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDBCloserGW) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

func (m *mockDBCloserGW) Close() { m.closed = true }

type errRow struct{}

func (errRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type nopPublisher struct{ closed bool }

func (p *nopPublisher) Publish(ctx context.Context, ev models.Event) error { return nil }
func (p *nopPublisher) Close() error                                      { p.closed = true; return nil }

func okTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func okDB(db *mockDBCloserGW) gatewayOpenDBFunc {
	return func(ctx context.Context) (gatewayDBCloser, error) { return db, nil }
}

func noBus(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
	return nil, errors.New("bus must not be opened")
}

func devEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "trusted_headers")
	t.Setenv("KAFKA_BROKERS", "")
}

func TestRunGatewaySuccess(t *testing.T) {
	devEnv(t)
	t.Setenv("ADDR", "127.0.0.1:0")
	db := &mockDBCloserGW{}
	var captured *http.Server
	err := runGateway(okTelemetry, okDB(db), openStore, noBus, func(server *http.Server) error {
		captured = server
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured == nil || captured.Addr != "127.0.0.1:0" || captured.Handler == nil {
		t.Fatalf("unexpected server %+v", captured)
	}
	if captured.ReadHeaderTimeout <= 0 {
		t.Fatalf("expected header timeout to be set")
	}
	if !db.closed {
		t.Fatalf("expected db to be closed on return")
	}
}

func TestRunGatewayKafka(t *testing.T) {
	devEnv(t)
	t.Setenv("KAFKA_BROKERS", " broker-1:9092 , broker-2:9092 ")
	t.Setenv("KAFKA_TOPIC", "pdks.test")
	pub := &nopPublisher{}
	var gotCfg eventbus.KafkaConfig
	err := runGateway(okTelemetry, okDB(&mockDBCloserGW{}), openStore, func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
		gotCfg = cfg
		return pub, nil
	}, func(*http.Server) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotCfg.Brokers) != 2 || gotCfg.Topic != "pdks.test" {
		t.Fatalf("unexpected kafka config %+v", gotCfg)
	}
	if !pub.closed {
		t.Fatalf("expected publisher to be closed on return")
	}

	err = runGateway(okTelemetry, okDB(&mockDBCloserGW{}), openStore, func(eventbus.KafkaConfig) (eventbus.Publisher, error) {
		return nil, errors.New("no brokers reachable")
	}, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected kafka error, got %v", err)
	}
}

func TestRunGatewayErrors(t *testing.T) {
	listen := func(*http.Server) error { return nil }
	cases := []struct {
		name    string
		env     map[string]string
		telem   gatewayInitTelemetryFunc
		openDB  gatewayOpenDBFunc
		openKV  gatewayOpenStoreFunc
		listen  gatewayListenFunc
		wantErr string
	}{
		{
			name:    "hs256 without secret",
			env:     map[string]string{"AUTH_MODE": "hs256", "AUTH_HS256_SECRET": ""},
			wantErr: "AUTH_HS256_SECRET",
		},
		{
			name:    "unknown auth mode",
			env:     map[string]string{"AUTH_MODE": "off"},
			wantErr: "unsupported AUTH_MODE",
		},
		{
			name:    "production memory store",
			env:     map[string]string{"ENVIRONMENT": "production", "DATABASE_REQUIRE_TLS": "true"},
			wantErr: "STORE_BACKEND=memory",
		},
		{
			name: "telemetry",
			telem: func(ctx context.Context, service string) (func(context.Context) error, error) {
				return nil, errors.New("collector down")
			},
			wantErr: "otel",
		},
		{
			name:    "database",
			openDB:  func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("refused") },
			wantErr: "db",
		},
		{
			name:    "unknown store",
			env:     map[string]string{"STORE_BACKEND": "etcd"},
			wantErr: "unsupported STORE_BACKEND",
		},
		{
			name:    "missing listener",
			listen:  nil,
			wantErr: "listen function required",
		},
		{
			name:    "listener failure",
			listen:  func(*http.Server) error { return errors.New("address in use") },
			wantErr: "address in use",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			devEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			telem, openDB, openKV, ln := okTelemetry, okDB(&mockDBCloserGW{}), openStore, listen
			if tc.telem != nil {
				telem = tc.telem
			}
			if tc.openDB != nil {
				openDB = tc.openDB
			}
			if tc.openKV != nil {
				openKV = tc.openKV
			}
			if tc.name == "missing listener" {
				ln = nil
			} else if tc.listen != nil {
				ln = tc.listen
			}
			err := runGateway(telem, openDB, openKV, noBus, ln)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMainUsesInjectedFunctions(t *testing.T) {
	origLogFatalf := logFatalf
	origDotenv := loadDotenv
	origInitTelemetry := initTelemetryG
	origOpenDB := openDBFnG
	origOpenStore := openStoreFnG
	origListen := listenFnG
	defer func() {
		logFatalf = origLogFatalf
		loadDotenv = origDotenv
		initTelemetryG = origInitTelemetry
		openDBFnG = origOpenDB
		openStoreFnG = origOpenStore
		listenFnG = origListen
	}()
	loadDotenv = func(...string) error { return errors.New("no .env") }
	initTelemetryG = okTelemetry
	openDBFnG = okDB(&mockDBCloserGW{})
	openStoreFnG = func(ctx context.Context, backend string) (store.Store, func(), error) {
		return store.NewMemoryStore(), func() {}, nil
	}

	t.Run("success", func(t *testing.T) {
		devEnv(t)
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		listenFnG = func(*http.Server) error { return nil }
		main()
		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("failure", func(t *testing.T) {
		devEnv(t)
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		listenFnG = func(*http.Server) error { return errors.New("bind failed") }
		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}

func TestOpenStoreMemory(t *testing.T) {
	s, closeFn, err := openStore(context.Background(), "memory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if _, ok := s.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PDKS_TEST_INT", "42")
	t.Setenv("PDKS_TEST_BAD", "x")
	t.Setenv("PDKS_TEST_FLOAT", "12.5")
	if envInt("PDKS_TEST_INT", 1) != 42 || envInt("PDKS_TEST_BAD", 7) != 7 || envInt("PDKS_TEST_UNSET", 3) != 3 {
		t.Fatal("envInt mismatch")
	}
	if envFloat("PDKS_TEST_FLOAT", 1) != 12.5 || envFloat("PDKS_TEST_BAD", 2.5) != 2.5 {
		t.Fatal("envFloat mismatch")
	}
	t.Setenv("PDKS_TEST_OFF", "Off")
	t.Setenv("PDKS_TEST_ON", "yes")
	if envBool("PDKS_TEST_OFF", true) || !envBool("PDKS_TEST_ON", false) || !envBool("PDKS_TEST_BAD", true) || envBool("PDKS_TEST_UNSET", false) {
		t.Fatal("envBool mismatch")
	}
	if env("PDKS_TEST_UNSET", "d") != "d" {
		t.Fatal("env default mismatch")
	}
	if got := splitList(" a, ,b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split %v", got)
	}
}
