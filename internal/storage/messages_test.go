package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/proto"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache", "careline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func msg(id, conv, from, to, text string, at time.Time) chat.Message {
	return chat.Message{
		ID: id, ConversationID: conv,
		SenderID: from, SenderRole: proto.RolePatient,
		ReceiverID: to, ReceiverRole: proto.RoleDoctor,
		Kind: proto.KindText, Content: text, SentAt: at,
	}
}

func TestOpenWritesSchemaVersion(t *testing.T) {
	db := openTest(t)
	require.Equal(t, schemaVersion, db.Meta("schema_version"))
	require.Equal(t, "", db.Meta("missing"))
}

func TestPutLoadKeepsArrivalOrder(t *testing.T) {
	db := openTest(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Second message carries an earlier timestamp; arrival order still wins.
	require.NoError(t, db.Put(msg("m1", "alice:bob", "alice", "bob", "first", base)))
	require.NoError(t, db.Put(msg("m2", "alice:bob", "bob", "alice", "second", base.Add(-time.Minute))))
	require.NoError(t, db.Put(msg("x1", "alice:carol", "alice", "carol", "other", base)))

	got, err := db.Load("alice:bob")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Content)
	require.Equal(t, "second", got[1].Content)
	require.True(t, got[0].SentAt.Equal(base))
	require.Equal(t, proto.RoleDoctor, got[0].ReceiverRole)
	require.Nil(t, got[0].DeliveredAt)
}

func TestPutSkipsPlaceholders(t *testing.T) {
	db := openTest(t)
	m := msg("local-1", "alice:bob", "alice", "bob", "pending", time.Now())
	m.Local = true
	require.NoError(t, db.Put(m))

	got, err := db.Load("alice:bob")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSetStatusIsMonotonic(t *testing.T) {
	db := openTest(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.Put(msg("m1", "alice:bob", "alice", "bob", "hi", at)))

	require.NoError(t, db.SetStatus("m1", chat.StatusRead, at.Add(time.Minute)))
	require.NoError(t, db.SetStatus("m1", chat.StatusDelivered, at.Add(2*time.Minute)))
	require.NoError(t, db.SetStatus("nope", chat.StatusRead, at))

	got, err := db.Load("alice:bob")
	require.NoError(t, err)
	require.Equal(t, chat.StatusRead, got[0].Status)
	require.NotNil(t, got[0].ReadAt)
	require.True(t, got[0].ReadAt.Equal(at.Add(time.Minute)))
	require.NotNil(t, got[0].DeliveredAt)
}

func TestPutDoesNotRegressStatus(t *testing.T) {
	db := openTest(t)
	m := msg("m1", "alice:bob", "alice", "bob", "hi", time.Now())
	m.Status = chat.StatusRead
	require.NoError(t, db.Put(m))

	m.Status = chat.StatusSent
	require.NoError(t, db.Put(m))

	got, err := db.Load("alice:bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, chat.StatusRead, got[0].Status)
}

func TestReplaceSwapsOneConversation(t *testing.T) {
	db := openTest(t)
	now := time.Now()
	require.NoError(t, db.Put(msg("old", "alice:bob", "alice", "bob", "old", now)))
	require.NoError(t, db.Put(msg("keep", "alice:carol", "alice", "carol", "keep", now)))

	require.NoError(t, db.Replace("alice:bob", []chat.Message{
		msg("n1", "", "alice", "bob", "new 1", now),
		msg("n2", "alice:bob", "bob", "alice", "new 2", now),
	}))

	got, err := db.Load("alice:bob")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "n1", got[0].ID)
	require.Equal(t, "alice:bob", got[0].ConversationID)

	other, err := db.Load("alice:carol")
	require.NoError(t, err)
	require.Len(t, other, 1)

	ids, err := db.Conversations()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice:bob", "alice:carol"}, ids)
}
