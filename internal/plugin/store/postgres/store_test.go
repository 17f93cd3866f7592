package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/messenger-service/internal/registry/migrate"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.MessengerStore, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	cfg.DBMaxOpenConns = 60
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func text(s string) registrystore.MessageContent {
	return registrystore.MessageContent{Text: &s}
}

func send(t *testing.T, ctx context.Context, store registrystore.MessengerStore, userID string, convID int64, n int) []model.Message {
	t.Helper()
	var out []model.Message
	for i := 0; i < n; i++ {
		msg, err := store.AppendMessage(ctx, userID, convID, text(fmt.Sprintf("%s #%d", userID, i)))
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

func unreadIDs(t *testing.T, ctx context.Context, store registrystore.MessengerStore, convID int64, reader string) []int64 {
	t.Helper()
	all, err := store.ListMessages(ctx, reader, convID, nil, 200)
	require.NoError(t, err)
	var ids []int64
	for _, m := range all {
		if !m.IsRead && m.SenderID != reader {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func TestCreateDialogPostsCreationMessage(t *testing.T) {
	store, ctx := setupTestStore(t)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.KindDialog, d.Kind)
	assert.Len(t, d.Members, 2)
	require.NotNil(t, d.LastMessage)
	assert.Equal(t, "alice has created a dialog", *d.LastMessage.Text)
	assert.Equal(t, int64(1), d.LastMessage.ID)
	assert.Equal(t, int64(1), d.MessageCount)

	bobView, err := store.GetConversation(ctx, "bob", d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bobView.UnreadCount)
}

func TestCreateDialogConflict(t *testing.T) {
	store, ctx := setupTestStore(t)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = store.CreateDialog(ctx, "bob", "alice")
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, d.ID, conflict.Details["conversationId"])

	_, err = store.CreateDialog(ctx, "alice", "alice")
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestAppendRequiresMembership(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, "stranger", g.ID, text("hi"))
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, err = store.AppendMessage(ctx, "owner", g.ID, registrystore.MessageContent{})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = store.AppendMessage(ctx, "owner", 999999, text("hi"))
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	missing := int64(42)
	_, err = store.AppendMessage(ctx, "owner", g.ID, registrystore.MessageContent{Text: text("re").Text, ReferenceToMessageID: &missing})
	require.ErrorAs(t, err, &validation)
}

func TestGroupAppendCreatesUnreadMarkers(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1", "m2", "m1"})
	require.NoError(t, err)
	assert.Len(t, g.Members, 3)

	send(t, ctx, store, "owner", g.ID, 2)
	send(t, ctx, store, "m1", g.ID, 1)

	for user, want := range map[string]int64{"owner": 1, "m1": 2, "m2": 3} {
		n, err := store.UnreadCount(ctx, user, g.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n, user)
	}
}

func TestMarkReadWatermarkMonotonicity(t *testing.T) {
	store, ctx := setupTestStore(t)

	stepwise, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	once, err := store.CreateDialog(ctx, "alice", "carol")
	require.NoError(t, err)
	send(t, ctx, store, "bob", stepwise.ID, 10) // ids 2..11
	send(t, ctx, store, "carol", once.ID, 10)   // ids 2..11

	first, err := store.MarkReadUpTo(ctx, "bob", stepwise.ID, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, first)

	changed, err := store.MarkReadUpTo(ctx, "alice", stepwise.ID, []int64{2, 5, 9})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7, 8, 9}, changed)

	changed, err = store.MarkReadUpTo(ctx, "alice", stepwise.ID, []int64{3})
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = store.MarkReadUpTo(ctx, "alice", once.ID, []int64{9})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7, 8, 9}, changed)

	assert.Equal(t, []int64{10, 11}, unreadIDs(t, ctx, store, stepwise.ID, "alice"))
	assert.Equal(t, unreadIDs(t, ctx, store, stepwise.ID, "alice"), unreadIDs(t, ctx, store, once.ID, "alice"))

	n, err := store.UnreadCount(ctx, "alice", stepwise.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMarkReadErrors(t *testing.T) {
	store, ctx := setupTestStore(t)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)

	var validation *registrystore.ValidationError
	_, err = store.MarkReadUpTo(ctx, "bob", d.ID, nil)
	require.ErrorAs(t, err, &validation)

	_, err = store.MarkReadUpTo(ctx, "bob", d.ID, []int64{77})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = store.MarkReadUpTo(ctx, "alice", d.ID, []int64{1})
	require.ErrorIs(t, err, registrystore.ErrSenderCannotMarkOwn)

	_, err = store.MarkReadUpTo(ctx, "mallory", d.ID, []int64{1})
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestGroupMarkReadSettlesConversationWideFlag(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1", "m2"})
	require.NoError(t, err)
	send(t, ctx, store, "owner", g.ID, 3)

	changed, err := store.MarkReadUpTo(ctx, "m1", g.ID, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, changed)

	msgs, err := store.GetMessages(ctx, g.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.False(t, m.IsRead, "message %d is still unread by m2", m.ID)
	}

	changed, err = store.MarkReadUpTo(ctx, "m2", g.ID, []int64{3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, changed)

	msgs, err = store.GetMessages(ctx, g.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, msgs[0].IsRead)
	assert.True(t, msgs[1].IsRead)
	assert.False(t, msgs[2].IsRead, "m1 has not read message 3")

	// The sender has no markers, so marking is a no-op rather than an error.
	changed, err = store.MarkReadUpTo(ctx, "owner", g.ID, []int64{3})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestDeleteMessagesIsIdempotent(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	send(t, ctx, store, "owner", g.ID, 12)

	deleted, err := store.DeleteMessages(ctx, "m1", g.ID, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.Len(t, deleted, 3)

	deleted, err = store.DeleteMessages(ctx, "m1", g.ID, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.Len(t, deleted, 0)

	conv, err := store.LookupConversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), conv.MessageCount)

	n, err := store.UnreadCount(ctx, "m1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n, "read statuses of deleted messages are removed")

	// Ids are never reused.
	next, err := store.AppendMessage(ctx, "owner", g.ID, text("after"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), next.ID)

	_, err = store.DeleteMessages(ctx, "m1", g.ID, nil)
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = store.DeleteMessages(ctx, "stranger", g.ID, []int64{1})
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestConcurrentAppendsKeepCounterConsistent(t *testing.T) {
	store, ctx := setupTestStore(t)

	const senders = 50
	members := make([]string, 0, senders-1)
	for i := 1; i < senders; i++ {
		members = append(members, fmt.Sprintf("user-%02d", i))
	}
	g, err := store.CreateGroup(ctx, "user-00", "crowd", members)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	ids := make(chan int64, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			msg, err := store.AppendMessage(ctx, sender, g.ID, text("hello from "+sender))
			if err != nil {
				errs <- err
				return
			}
			ids <- msg.ID
		}(fmt.Sprintf("user-%02d", i))
	}
	wg.Wait()
	close(errs)
	close(ids)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, senders)

	conv, err := store.LookupConversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(senders), conv.MessageCount)

	n, err := store.UnreadCount(ctx, "user-07", g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(senders-1), n)
}

func TestListMessagesRoundTripPagination(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	sent := send(t, ctx, store, "owner", g.ID, 25)

	var pages [][]model.Message
	var before *time.Time
	for i := 0; i < 3; i++ {
		page, err := store.ListMessages(ctx, "m1", g.ID, before, 10)
		require.NoError(t, err)
		require.NotEmpty(t, page)
		pages = append([][]model.Message{page}, pages...)
		cursor := page[0].CreatedAt
		before = &cursor
	}
	assert.Len(t, pages[2], 10)
	assert.Len(t, pages[1], 10)
	assert.Len(t, pages[0], 5)

	var got []int64
	for _, page := range pages {
		for _, m := range page {
			got = append(got, m.ID)
		}
	}
	var want []int64
	for _, m := range sent {
		want = append(want, m.ID)
	}
	assert.Equal(t, want, got)

	empty, err := store.ListMessages(ctx, "m1", g.ID, before, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEditMessage(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	voice := "old.ogg"
	msg, err := store.AppendMessage(ctx, "owner", g.ID, registrystore.MessageContent{
		Images: []string{"a.png", "b.png"},
		Voice:  &voice,
	})
	require.NoError(t, err)

	newVoice := "new.ogg"
	images := []string{"b.png", "c.png"}
	res, err := store.EditMessage(ctx, "owner", g.ID, msg.ID, registrystore.MessagePatch{Images: &images, Voice: &newVoice})
	require.NoError(t, err)
	assert.True(t, res.Message.IsEdited)
	assert.Equal(t, images, res.Message.Images)
	assert.ElementsMatch(t, []model.AttachmentRef{
		{Kind: model.AttachmentImage, Filename: "a.png"},
		{Kind: model.AttachmentVoice, Filename: "old.ogg"},
	}, res.Released)

	stored, err := store.GetMessages(ctx, g.ID, []int64{msg.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "new.ogg", *stored[0].Voice)

	_, err = store.EditMessage(ctx, "m1", g.ID, msg.ID, registrystore.MessagePatch{Text: &newVoice})
	var notOwner *registrystore.NotOwnerError
	require.ErrorAs(t, err, &notOwner)

	_, err = store.EditMessage(ctx, "owner", g.ID, 404, registrystore.MessagePatch{Text: &newVoice})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestForwardCopiesInlineContent(t *testing.T) {
	store, ctx := setupTestStore(t)

	src, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	orig, err := store.AppendMessage(ctx, "bob", src.ID, text("worth sharing"))
	require.NoError(t, err)
	dst, err := store.CreateGroup(ctx, "alice", "friends", []string{"carol"})
	require.NoError(t, err)

	fwd, err := store.AppendMessage(ctx, "alice", dst.ID, registrystore.MessageContent{
		ForwardedFrom: &registrystore.ForwardSource{ConversationID: src.ID, MessageID: orig.ID},
	})
	require.NoError(t, err)
	assert.True(t, fwd.IsForwarded)
	assert.Equal(t, "worth sharing", *fwd.Text)
	assert.Equal(t, "bob", *fwd.ForwardedFromUserID)

	_, err = store.AppendMessage(ctx, "carol", dst.ID, registrystore.MessageContent{
		ForwardedFrom: &registrystore.ForwardSource{ConversationID: src.ID, MessageID: orig.ID},
	})
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestSearchMessagesEscapesWildcards(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", nil)
	require.NoError(t, err)
	for _, s := range []string{"100% done", "100 percent", "Done and DONE"} {
		_, err := store.AppendMessage(ctx, "owner", g.ID, text(s))
		require.NoError(t, err)
	}

	hits, err := store.SearchMessages(ctx, "owner", g.ID, "100%", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "100% done", *hits[0].Text)

	hits, err = store.SearchMessages(ctx, "owner", g.ID, "done", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestMembershipChanges(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)

	var notOwner *registrystore.NotOwnerError
	_, err = store.AddMember(ctx, "m1", g.ID, "m2")
	require.ErrorAs(t, err, &notOwner)

	_, err = store.AddMember(ctx, "owner", g.ID, "m2")
	require.NoError(t, err)
	_, err = store.AddMember(ctx, "owner", g.ID, "m2")
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)

	msgs := send(t, ctx, store, "owner", g.ID, 1)
	_, err = store.MarkReadUpTo(ctx, "m1", g.ID, []int64{msgs[0].ID})
	require.NoError(t, err)

	// m2 leaving removes the last unread marker.
	require.NoError(t, store.RemoveMember(ctx, "m2", g.ID, "m2"))
	got, err := store.GetMessages(ctx, g.ID, []int64{msgs[0].ID})
	require.NoError(t, err)
	assert.True(t, got[0].IsRead)

	var validation *registrystore.ValidationError
	err = store.RemoveMember(ctx, "owner", g.ID, "owner")
	require.ErrorAs(t, err, &validation)
	err = store.RemoveMember(ctx, "m1", g.ID, "owner")
	require.ErrorAs(t, err, &notOwner)

	members, err := store.MembersOf(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"owner", "m1"}, members)

	ok, err := store.IsMember(ctx, g.ID, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = store.AddMember(ctx, "alice", d.ID, "carol")
	require.ErrorAs(t, err, &validation)
}

func TestSettingsAndRename(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)

	interval := 5
	conv, err := store.UpdateSettings(ctx, "m1", g.ID, registrystore.ConversationSettings{AutoDeleteIntervalSeconds: &interval})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, conv.RetentionDelay())

	off := false
	conv, err = store.UpdateSettings(ctx, "m1", g.ID, registrystore.ConversationSettings{CanAutoDelete: &off})
	require.NoError(t, err)
	assert.Zero(t, conv.RetentionDelay())

	negative := -1
	_, err = store.UpdateSettings(ctx, "m1", g.ID, registrystore.ConversationSettings{AutoDeleteIntervalSeconds: &negative})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = store.RenameGroup(ctx, "m1", g.ID, "mine")
	var notOwner *registrystore.NotOwnerError
	require.ErrorAs(t, err, &notOwner)

	conv, err = store.RenameGroup(ctx, "owner", g.ID, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", conv.Name)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	store, ctx := setupTestStore(t)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	g, err := store.CreateGroup(ctx, "alice", "team", []string{"bob"})
	require.NoError(t, err)
	send(t, ctx, store, "bob", g.ID, 1)

	list, err := store.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, g.ID, list[0].ID)
	assert.Equal(t, int64(1), list[0].UnreadCount)

	send(t, ctx, store, "bob", d.ID, 1)
	list, err = store.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestDeleteConversationCascades(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	send(t, ctx, store, "m1", g.ID, 3)

	_, err = store.DeleteConversation(ctx, "m1", g.ID)
	var notOwner *registrystore.NotOwnerError
	require.ErrorAs(t, err, &notOwner)

	deleted, err := store.DeleteConversation(ctx, "owner", g.ID)
	require.NoError(t, err)
	assert.Len(t, deleted.Messages, 3)
	assert.ElementsMatch(t, []string{"owner", "m1"}, deleted.Members)

	_, err = store.LookupConversation(ctx, g.ID)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	msgs, err := store.GetMessages(ctx, g.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Any dialog member may delete the dialog.
	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = store.DeleteConversation(ctx, "bob", d.ID)
	require.NoError(t, err)
}

func TestPurgeSkipsAlreadyDeletedMessages(t *testing.T) {
	store, ctx := setupTestStore(t)

	g, err := store.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	send(t, ctx, store, "owner", g.ID, 3)

	_, err = store.DeleteMessages(ctx, "owner", g.ID, []int64{2})
	require.NoError(t, err)

	purged, err := store.PurgeMessages(ctx, g.ID, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, int64(1), purged[0].ID)

	purged, err = store.PurgeMessages(ctx, g.ID, []int64{1, 2})
	require.NoError(t, err)
	assert.Empty(t, purged)

	conv, err := store.LookupConversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.MessageCount)
}

func TestGroupMarkReadRacingPurge(t *testing.T) {
	store, ctx := setupTestStore(t)

	readers := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	g, err := store.CreateGroup(ctx, "owner", "team", readers)
	require.NoError(t, err)

	for round := 0; round < 8; round++ {
		sent := send(t, ctx, store, "owner", g.ID, 12)
		ids := make([]int64, 0, len(sent))
		for _, m := range sent {
			ids = append(ids, m.ID)
		}
		reversed := make([]int64, len(ids))
		for i, id := range ids {
			reversed[len(ids)-1-i] = id
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(readers)+3)
		for _, reader := range readers {
			wg.Add(1)
			go func(reader string) {
				defer wg.Done()
				_, err := store.MarkReadUpTo(ctx, reader, g.ID, ids)
				var notFound *registrystore.NotFoundError
				if err != nil && !errors.As(err, &notFound) {
					errs <- fmt.Errorf("mark read %s: %w", reader, err)
				}
			}(reader)
		}
		for _, batch := range [][]int64{ids[:6], reversed[:6], ids} {
			wg.Add(1)
			go func(batch []int64) {
				defer wg.Done()
				if _, err := store.PurgeMessages(ctx, g.ID, batch); err != nil {
					errs <- fmt.Errorf("purge: %w", err)
				}
			}(batch)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	}

	remaining, err := store.ListMessages(ctx, "owner", g.ID, nil, 200)
	require.NoError(t, err)
	conv, err := store.LookupConversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(remaining)), conv.MessageCount)

	for _, reader := range readers {
		n, err := store.UnreadCount(ctx, reader, g.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(len(remaining)), reader)
	}
}

func TestTaskQueueLeasesClaimedTasks(t *testing.T) {
	store, ctx := setupTestStore(t)

	require.NoError(t, store.CreateTask(ctx, "retention_delete", map[string]interface{}{"conversationId": 1}, time.Now().Add(-time.Second)))
	require.NoError(t, store.CreateTask(ctx, "retention_delete", map[string]interface{}{"conversationId": 2}, time.Now().Add(time.Hour)))

	tasks, err := store.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "retention_delete", tasks[0].TaskType)
	assert.EqualValues(t, 1, tasks[0].TaskBody["conversationId"])

	again, err := store.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task is not handed out twice")

	require.NoError(t, store.DeleteTask(ctx, tasks[0].ID))
}

func TestMemberKeysAndPushTokens(t *testing.T) {
	store, ctx := setupTestStore(t)

	d, err := store.CreateDialog(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = store.GetMemberKey(ctx, "alice", d.ID)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	blob := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, store.SetMemberKey(ctx, "alice", d.ID, blob))
	got, err := store.GetMemberKey(ctx, "alice", d.ID)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	detail, err := store.GetConversation(ctx, "alice", d.ID)
	require.NoError(t, err)
	assert.True(t, detail.HasKey)

	require.NoError(t, store.DeleteMemberKey(ctx, "alice", d.ID))
	_, err = store.GetMemberKey(ctx, "alice", d.ID)
	require.True(t, errors.As(err, &notFound))

	token, err := store.GetPushToken(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, token)
	require.NoError(t, store.SetPushToken(ctx, "alice", "tok-1"))
	require.NoError(t, store.SetPushToken(ctx, "alice", "tok-2"))
	token, err = store.GetPushToken(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
	require.NoError(t, store.DeletePushToken(ctx, "alice"))
}

func TestRecordAuditTruncatesContent(t *testing.T) {
	store, ctx := setupTestStore(t)

	convID := int64(7)
	err := store.RecordAudit(ctx, model.AuditEntry{
		UserID:         "alice",
		ConversationID: &convID,
		Action:         "send_message",
		Content:        strings.Repeat("é", 400),
		Success:        true,
	})
	require.NoError(t, err)
}
