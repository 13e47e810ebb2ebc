package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/internal/config"
	"lanchat/pkg/cipher"
	"lanchat/pkg/client"
	"lanchat/pkg/protocol"
)

func startApp(t *testing.T, mutate func(*config.Config)) (*Application, []byte) {
	t.Helper()

	key, err := cipher.GenerateKey()
	require.NoError(t, err)

	cfg := &config.Config{
		Host:         "127.0.0.1",
		Port:         0,
		MaxSessions:  10,
		Key:          cipher.EncodeKey(key),
		HistoryPath:  filepath.Join(t.TempDir(), "history.db"),
		JoinGrace:    5 * time.Second,
		WriteTimeout: time.Second,
		ReplayLimit:  50,
	}
	if mutate != nil {
		mutate(cfg)
	}

	application, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	return application, key
}

func join(t *testing.T, addr string, key []byte, username string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Join(ctx, username))
	return c
}

func waitFor(t *testing.T, c *client.Client, eventType string) client.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-c.Events():
			require.True(t, ok, "event stream closed waiting for %s", eventType)
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event received", eventType)
		}
	}
}

func TestGroupChatBetweenThreeUsers(t *testing.T) {
	application, key := startApp(t, nil)

	alice := join(t, application.Addr(), key, "alice")
	bob := join(t, application.Addr(), key, "bob")
	carol := join(t, application.Addr(), key, "carol")

	require.NoError(t, alice.SendGroup("hello everyone"))

	for _, c := range []*client.Client{alice, bob, carol} {
		event := waitFor(t, c, protocol.TypeGroup)
		assert.Equal(t, "alice", event.Sender)
		assert.Equal(t, "hello everyone", event.Text)
	}
}

func TestPrivateMessageStaysPrivate(t *testing.T) {
	application, key := startApp(t, nil)

	alice := join(t, application.Addr(), key, "alice")
	bob := join(t, application.Addr(), key, "bob")
	carol := join(t, application.Addr(), key, "carol")

	require.NoError(t, alice.SendPrivate("bob", "between us"))

	event := waitFor(t, bob, protocol.TypePrivate)
	assert.Equal(t, "alice", event.Sender)
	assert.Equal(t, "between us", event.Text)

	// Sender's echo confirms delivery.
	event = waitFor(t, alice, protocol.TypePrivate)
	assert.Equal(t, "bob", event.Recipient)

	// carol sees presence traffic but never the private message.
	require.NoError(t, carol.RequestUsers())
	users := waitFor(t, carol, protocol.TypeUserList)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users.Users)
	select {
	case event := <-carol.Events():
		assert.NotEqual(t, protocol.TypePrivate, event.Type)
	default:
	}
}

func TestOfflinePrivateMessageSurvivesReconnect(t *testing.T) {
	application, key := startApp(t, nil)

	alice := join(t, application.Addr(), key, "alice")
	bob := join(t, application.Addr(), key, "bob")
	require.NoError(t, bob.Leave())
	waitFor(t, alice, protocol.TypeUserLeft)

	require.NoError(t, alice.SendPrivate("bob", "read this later"))
	event := waitFor(t, alice, protocol.TypeError)
	assert.Equal(t, protocol.CodeRecipientOffline, event.Code)

	bob = join(t, application.Addr(), key, "bob")
	require.NoError(t, bob.RequestHistory(0))
	history := waitFor(t, bob, protocol.TypeHistory)
	require.Len(t, history.History, 1)
	assert.Equal(t, "read this later", history.History[0].Text)
	assert.Equal(t, "bob", history.History[0].Recipient)
}

func TestHistorySurvivesServerRestart(t *testing.T) {
	key, err := cipher.GenerateKey()
	require.NoError(t, err)
	historyPath := filepath.Join(t.TempDir(), "history.db")

	cfg := &config.Config{
		Host:         "127.0.0.1",
		Port:         0,
		MaxSessions:  10,
		Key:          cipher.EncodeKey(key),
		HistoryPath:  historyPath,
		JoinGrace:    5 * time.Second,
		WriteTimeout: time.Second,
		ReplayLimit:  50,
	}

	application, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	alice := join(t, application.Addr(), key, "alice")
	require.NoError(t, alice.SendGroup("before the restart"))
	waitFor(t, alice, protocol.TypeGroup)
	require.NoError(t, alice.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(ctx))

	restarted, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(context.Background()))
	defer func() { _ = restarted.Stop(context.Background()) }()

	// The replay on join proves the message outlived the process.
	bob := join(t, restarted.Addr(), key, "bob")
	history := waitFor(t, bob, protocol.TypeHistory)
	require.Len(t, history.History, 1)
	assert.Equal(t, "before the restart", history.History[0].Text)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	application, key := startApp(t, nil)

	join(t, application.Addr(), key, "alice")

	second, err := client.Dial(application.Addr(), key)
	require.NoError(t, err)
	defer second.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = second.Join(ctx, "alice")

	var joinErr *client.JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeUsernameTaken, joinErr.Code)
}

func TestServerFullRejectsJoin(t *testing.T) {
	application, key := startApp(t, func(cfg *config.Config) {
		cfg.MaxSessions = 1
	})

	join(t, application.Addr(), key, "alice")

	second, err := client.Dial(application.Addr(), key)
	require.NoError(t, err)
	defer second.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = second.Join(ctx, "bob")

	var joinErr *client.JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeServerFull, joinErr.Code)
}

func TestWrongKeyClientCannotInjectMessages(t *testing.T) {
	application, key := startApp(t, nil)

	join(t, application.Addr(), key, "alice")

	wrongKey, err := cipher.GenerateKey()
	require.NoError(t, err)
	intruder, err := client.Dial(application.Addr(), wrongKey)
	require.NoError(t, err)
	defer intruder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Joining carries no payload, so it succeeds even with the wrong key.
	require.NoError(t, intruder.Join(ctx, "mallory"))

	require.NoError(t, intruder.SendGroup("forged"))

	// The server rejects the unauthenticated payload and drops the intruder.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-intruder.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("intruder connection was not closed")
		}
	}
}

func TestRetentionPruneOnStartup(t *testing.T) {
	key, err := cipher.GenerateKey()
	require.NoError(t, err)
	box, err := cipher.New(key)
	require.NoError(t, err)
	historyPath := filepath.Join(t.TempDir(), "history.db")

	cfg := &config.Config{
		Host:          "127.0.0.1",
		Port:          0,
		MaxSessions:   10,
		Key:           cipher.EncodeKey(key),
		HistoryPath:   historyPath,
		JoinGrace:     5 * time.Second,
		WriteTimeout:  time.Second,
		ReplayLimit:   50,
		RetentionDays: 7,
	}

	// Seed one expired and one fresh message directly in the store.
	application, err := NewApplication(cfg)
	require.NoError(t, err)

	ciphertext, err := box.Seal([]byte("ancient"))
	require.NoError(t, err)
	_, err = application.store.Append(context.Background(), &protocol.StoredMessage{
		Sender:     "alice",
		Ciphertext: ciphertext,
		Timestamp:  time.Now().UTC().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	ciphertext, err = box.Seal([]byte("recent"))
	require.NoError(t, err)
	_, err = application.store.Append(context.Background(), &protocol.StoredMessage{
		Sender:     "alice",
		Ciphertext: ciphertext,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, application.Start(context.Background()))
	defer func() { _ = application.Stop(context.Background()) }()

	stats, err := application.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["total_messages"])
}

func TestStopIsCleanWithActiveClients(t *testing.T) {
	application, key := startApp(t, nil)

	c := join(t, application.Addr(), key, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(ctx))

	// The client observes the shutdown as a closed event stream.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("client did not observe shutdown")
		}
	}
}

func TestNewApplicationRejectsBadKey(t *testing.T) {
	cfg := &config.Config{
		Host:         "127.0.0.1",
		Port:         0,
		MaxSessions:  10,
		Key:          "bm90IGEga2V5", // "not a key": wrong length
		HistoryPath:  filepath.Join(t.TempDir(), "history.db"),
		JoinGrace:    5 * time.Second,
		WriteTimeout: time.Second,
		ReplayLimit:  50,
	}

	_, err := NewApplication(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cipher.ErrInvalidKeySize))
}
