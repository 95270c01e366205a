package activity

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

type stubTransport struct {
	sent []*Record
	err  error
}

func (s *stubTransport) Start() error { return nil }
func (s *stubTransport) Send(rec *Record) error {
	s.sent = append(s.sent, rec)
	return s.err
}
func (s *stubTransport) Close() error { return nil }

func TestForwardLogged(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("persisted records reach the transport", func(mt *mtest.T) {
		logger := testLogger(mt)
		transport := &stubTransport{}
		unsub := ForwardLogged(logger, transport)

		mt.AddMockResponses(mtest.CreateSuccessResponse())
		err := logger.LogActivity(trackedCtx("u1"), Params{
			Entity: Entity{Type: "orders"},
			Type:   "orders_created",
		})
		if err != nil {
			t.Fatalf("LogActivity failed: %v", err)
		}
		if len(transport.sent) != 1 || transport.sent[0].UserID != "u1" {
			t.Fatalf("Expected one forwarded record for u1, got %+v", transport.sent)
		}

		unsub()
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		_ = logger.LogActivity(trackedCtx("u1"), Params{
			Entity: Entity{Type: "orders"},
			Type:   "orders_created",
		})
		if len(transport.sent) != 1 {
			t.Errorf("Expected no forwarding after unsubscribe, got %d", len(transport.sent))
		}
	})

	mt.Run("send failures never reach the logging caller", func(mt *mtest.T) {
		logger := testLogger(mt)
		transport := &stubTransport{err: errors.New("broker down")}
		ForwardLogged(logger, transport)

		mt.AddMockResponses(mtest.CreateSuccessResponse())
		err := logger.LogActivity(trackedCtx("u1"), Params{
			Entity: Entity{Type: "orders"},
			Type:   "orders_created",
		}, ThrowOnError(true))
		if err != nil {
			t.Fatalf("Expected transport failure swallowed, got %v", err)
		}
	})
}
