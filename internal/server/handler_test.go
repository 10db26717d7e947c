package server

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remobak/remobak/internal/digest"
	"github.com/remobak/remobak/internal/wire"
)

const (
	testUser     = "alice"
	testPassword = "correct-horse"
)

type handlerFixture struct {
	h          *Handler
	user       *User
	backupRoot string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	dir := t.TempDir()
	backupRoot := filepath.Join(dir, "backup_root")
	require.NoError(t, os.MkdirAll(backupRoot, 0o755))

	creds := filepath.Join(dir, "credentials.tsv")
	line := testUser + "\t" + digest.Password(testPassword) + "\n"
	require.NoError(t, os.WriteFile(creds, []byte(line), 0o600))

	fatal := func(err error) { t.Fatalf("handler fatal: %v", err) }
	return &handlerFixture{
		h:          NewHandler(backupRoot, creds, fatal),
		user:       &User{IP: "127.0.0.1"},
		backupRoot: backupRoot,
	}
}

func authMsg(username, password string) *wire.Message {
	msg := wire.New(wire.MsgAuth)
	msg.AddString(wire.TLVUsername, username)
	msg.AddString(wire.TLVPassword, password)
	msg.AddEnd()
	return msg
}

func listMsg() *wire.Message {
	msg := wire.New(wire.MsgList)
	msg.AddEnd()
	return msg
}

// replyStatus returns the terminal OK/ERROR of a reply queue along with the
// echoed sign, if any.
func replyStatus(t *testing.T, q *wire.ReplyQueue) (ok bool, errType wire.ErrType, sign string) {
	t.Helper()
	frames := q.Frames()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.True(t, wire.VerifyEnd(last.Bytes()), "reply must terminate with END")

	for _, f := range frames {
		v := wire.NewView(f)
		for v.Next() {
			switch v.Type() {
			case wire.TLVItem:
				sign = v.Text()
			case wire.TLVOK:
				ok = true
			}
		}
	}
	return ok, q.Err(), sign
}

// login drives the session to authenticated+listed.
func (fx *handlerFixture) login(t *testing.T) {
	t.Helper()
	q := fx.h.Handle(authMsg(testUser, testPassword), fx.user)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok, "auth must succeed")
	require.True(t, fx.user.Authenticated)

	q = fx.h.Handle(listMsg(), fx.user)
	ok, _, _ = replyStatus(t, q)
	require.True(t, ok, "list must succeed")
	require.True(t, fx.user.Listed)
}

// upload drives a full chunked CREATE or UPDATE through the handler,
// returning the last reply.
func (fx *handlerFixture) upload(t *testing.T, typ wire.MsgType, rel string, content []byte) *wire.ReplyQueue {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	dig, err := digest.File(src, rel)
	require.NoError(t, err)

	fc, err := wire.NewFileChunker(typ, src, digest.Sign(rel, dig), wire.UploadChunkSize)
	require.NoError(t, err)

	var q *wire.ReplyQueue
	for {
		msg, err := fc.Next()
		if errors.Is(err, io.EOF) {
			return q
		}
		require.NoError(t, err)
		q = fx.h.Handle(msg, fx.user)
		if q.Err() != wire.ErrNone {
			return q
		}
	}
}

func (fx *handlerFixture) userFile(rel string) string {
	return filepath.Join(fx.backupRoot, fx.user.ID, filepath.FromSlash(rel))
}

func TestAuthGate(t *testing.T) {
	tests := []struct {
		name string
		msg  *wire.Message
	}{
		{"list before auth", listMsg()},
		{"keepalive before auth", func() *wire.Message {
			m := wire.New(wire.MsgKeepAlive)
			m.AddEnd()
			return m
		}()},
		{"erase before auth", func() *wire.Message {
			m := wire.New(wire.MsgErase)
			m.AddString(wire.TLVItem, "x\x00y")
			m.AddEnd()
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			q := fx.h.Handle(tt.msg, fx.user)
			ok, errType, _ := replyStatus(t, q)
			assert.False(t, ok)
			assert.Equal(t, wire.ErrMsgTypeRejected, errType)
			assert.False(t, fx.user.Authenticated)
		})
	}
}

func TestMutationRejectedBeforeList(t *testing.T) {
	fx := newHandlerFixture(t)
	q := fx.h.Handle(authMsg(testUser, testPassword), fx.user)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	m := wire.New(wire.MsgKeepAlive)
	m.AddEnd()
	q = fx.h.Handle(m, fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrMsgTypeRejected, errType)
}

func TestAuthFailures(t *testing.T) {
	tests := []struct {
		name string
		msg  *wire.Message
		want wire.ErrType
	}{
		{"wrong password", authMsg(testUser, "nope"), wire.ErrAuthFailed},
		{"unknown user", authMsg("mallory", testPassword), wire.ErrAuthFailed},
		{"missing username", func() *wire.Message {
			m := wire.New(wire.MsgAuth)
			m.AddString(wire.TLVPassword, testPassword)
			m.AddEnd()
			return m
		}(), wire.ErrAuthNoUsername},
		{"missing password", func() *wire.Message {
			m := wire.New(wire.MsgAuth)
			m.AddString(wire.TLVUsername, testUser)
			m.AddEnd()
			return m
		}(), wire.ErrAuthNoPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			q := fx.h.Handle(tt.msg, fx.user)
			ok, errType, _ := replyStatus(t, q)
			assert.False(t, ok)
			assert.Equal(t, tt.want, errType)
			assert.False(t, fx.user.Authenticated)
		})
	}
}

func TestAuthBindsUserDirectory(t *testing.T) {
	fx := newHandlerFixture(t)
	q := fx.h.Handle(authMsg(testUser, testPassword), fx.user)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	assert.Equal(t, digest.Text(testUser), fx.user.ID)
	assert.Equal(t, filepath.Join(fx.backupRoot, fx.user.ID), fx.user.Dir.Root())
	assert.DirExists(t, fx.user.Dir.Root())
}

func TestListStreamsExistingTree(t *testing.T) {
	fx := newHandlerFixture(t)

	// pre-seed the user's tree before authentication
	userRoot := filepath.Join(fx.backupRoot, digest.Text(testUser))
	require.NoError(t, os.MkdirAll(filepath.Join(userRoot, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userRoot, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(userRoot, "d", "b.txt"), []byte("two"), 0o644))

	q := fx.h.Handle(authMsg(testUser, testPassword), fx.user)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	q = fx.h.Handle(listMsg(), fx.user)
	ok, _, _ = replyStatus(t, q)
	require.True(t, ok)

	var rels []string
	for _, f := range q.Frames() {
		v := wire.NewView(f)
		for v.Next() {
			if v.Type() == wire.TLVItem {
				rel, dig, err := digest.SplitSign(v.Text())
				require.NoError(t, err)
				rels = append(rels, rel)

				rsrc, found := fx.user.Dir.Get(rel)
				require.True(t, found)
				assert.True(t, rsrc.Synced)
				assert.Equal(t, dig, rsrc.Digest)
			}
		}
	}
	assert.ElementsMatch(t, []string{"a.txt", "d/b.txt"}, rels)
}

func TestCreateSingleChunk(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "a.txt", []byte("hello"))
	ok, _, sign := replyStatus(t, q)
	require.True(t, ok)

	rel, dig, err := digest.SplitSign(sign)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", rel)

	// invariant: a synced path's on-disk digest equals the stored digest
	got, err := digest.File(fx.userFile("a.txt"), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, dig, got)

	rsrc, found := fx.user.Dir.Get("a.txt")
	require.True(t, found)
	assert.True(t, rsrc.Synced)
	assert.Equal(t, dig, rsrc.Digest)
}

func TestCreateMultiChunk(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	content := bytes.Repeat([]byte("0123456789abcdef"), 3*1024) // three chunks
	q := fx.upload(t, wire.MsgCreate, "big/file.bin", content)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	onDisk, err := os.ReadFile(fx.userFile("big/file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	rsrc, found := fx.user.Dir.Get("big/file.bin")
	require.True(t, found)
	assert.True(t, rsrc.Synced)
}

func TestCreateInterimChunkLeavesUnsyncedEntry(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	content := bytes.Repeat([]byte{0x42}, wire.UploadChunkSize+10)
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	dig, err := digest.File(src, "part.bin")
	require.NoError(t, err)

	fc, err := wire.NewFileChunker(wire.MsgCreate, src, digest.Sign("part.bin", dig), wire.UploadChunkSize)
	require.NoError(t, err)
	defer fc.Close()

	first, err := fc.Next()
	require.NoError(t, err)
	q := fx.h.Handle(first, fx.user)
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	// in-flight: placeholder digest, not synced
	rsrc, found := fx.user.Dir.Get("part.bin")
	require.True(t, found)
	assert.False(t, rsrc.Synced)
	assert.Equal(t, "TEMP", rsrc.Digest)
}

func TestCreateIdempotence(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "a.txt", []byte("hello"))
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	before, err := os.ReadFile(fx.userFile("a.txt"))
	require.NoError(t, err)

	q = fx.upload(t, wire.MsgCreate, "a.txt", []byte("hello"))
	ok, errType, _ := replyStatus(t, q)
	assert.False(t, ok)
	assert.Equal(t, wire.ErrCreateAlreadyExist, errType)

	after, err := os.ReadFile(fx.userFile("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreateDigestMismatchDiscardsFile(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	// sign claims a digest the content cannot produce
	msg := wire.New(wire.MsgCreate)
	msg.AddString(wire.TLVItem, digest.Sign("liar.txt", "0000000000000000000000000000dead"))
	msg.AddTLV(wire.TLVContent, []byte("not matching")) //nolint:errcheck
	msg.AddEnd()

	q := fx.h.Handle(msg, fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrCreateNoMatch, errType)

	assert.NoFileExists(t, fx.userFile("liar.txt"))
	assert.False(t, fx.user.Dir.Contains("liar.txt"))
}

func TestCreateMissingRecords(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	noItem := wire.New(wire.MsgCreate)
	noItem.AddTLV(wire.TLVContent, []byte("x")) //nolint:errcheck
	noItem.AddEnd()
	q := fx.h.Handle(noItem, fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrCreateNoItem, errType)

	noContent := wire.New(wire.MsgCreate)
	noContent.AddString(wire.TLVItem, digest.Sign("a", "b"))
	noContent.AddEnd()
	q = fx.h.Handle(noContent, fx.user)
	_, errType, _ = replyStatus(t, q)
	assert.Equal(t, wire.ErrCreateNoContent, errType)
}

func TestUpdateReplacesContentAtomically(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "a.txt", []byte("version one"))
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	q = fx.upload(t, wire.MsgUpdate, "a.txt", []byte("version two"))
	ok, _, sign := replyStatus(t, q)
	require.True(t, ok)

	onDisk, err := os.ReadFile(fx.userFile("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("version two"), onDisk)

	// the temporary never survives a completed update
	assert.NoFileExists(t, fx.userFile("a.txt")+tempSuffix)

	_, dig, err := digest.SplitSign(sign)
	require.NoError(t, err)
	rsrc, found := fx.user.Dir.Get("a.txt")
	require.True(t, found)
	assert.True(t, rsrc.Synced)
	assert.Equal(t, dig, rsrc.Digest)
}

func TestUpdateIdempotence(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "a.txt", []byte("same"))
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	q = fx.upload(t, wire.MsgUpdate, "a.txt", []byte("same"))
	ok, errType, _ := replyStatus(t, q)
	assert.False(t, ok)
	assert.Equal(t, wire.ErrUpdateAlreadyUpdated, errType)
}

func TestUpdateMissingPath(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgUpdate, "ghost.txt", []byte("content"))
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrUpdateNotExist, errType)
}

func TestEraseRemovesFileAndEmptyAncestors(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "d/e/f.bin", []byte("deep"))
	ok, _, sign := replyStatus(t, q)
	require.True(t, ok)

	erase := wire.New(wire.MsgErase)
	erase.AddString(wire.TLVItem, sign)
	erase.AddEnd()
	q = fx.h.Handle(erase, fx.user)
	ok, _, _ = replyStatus(t, q)
	require.True(t, ok)

	assert.NoFileExists(t, fx.userFile("d/e/f.bin"))
	assert.NoDirExists(t, filepath.Join(fx.backupRoot, fx.user.ID, "d"))
	// the user's root itself survives
	assert.DirExists(t, filepath.Join(fx.backupRoot, fx.user.ID))
	assert.False(t, fx.user.Dir.Contains("d/e/f.bin"))
}

func TestEraseKeepsNonEmptyAncestors(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "d/keep.txt", []byte("stay"))
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)
	q = fx.upload(t, wire.MsgCreate, "d/e/f.bin", []byte("go"))
	ok, _, sign := replyStatus(t, q)
	require.True(t, ok)

	erase := wire.New(wire.MsgErase)
	erase.AddString(wire.TLVItem, sign)
	erase.AddEnd()
	q = fx.h.Handle(erase, fx.user)
	ok, _, _ = replyStatus(t, q)
	require.True(t, ok)

	assert.NoDirExists(t, filepath.Join(fx.backupRoot, fx.user.ID, "d", "e"))
	assert.FileExists(t, fx.userFile("d/keep.txt"))
}

func TestEraseDigestMismatch(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	q := fx.upload(t, wire.MsgCreate, "a.txt", []byte("content"))
	ok, _, _ := replyStatus(t, q)
	require.True(t, ok)

	erase := wire.New(wire.MsgErase)
	erase.AddString(wire.TLVItem, digest.Sign("a.txt", "stale-digest"))
	erase.AddEnd()
	q = fx.h.Handle(erase, fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrEraseNoMatch, errType)
	assert.FileExists(t, fx.userFile("a.txt"))
}

func TestRetrieveStreamsFileBack(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	content := bytes.Repeat([]byte("retrieve me "), 1024) // > one download chunk
	q := fx.upload(t, wire.MsgCreate, "r.bin", content)
	ok, _, sign := replyStatus(t, q)
	require.True(t, ok)

	retrieve := wire.New(wire.MsgRetrieve)
	retrieve.AddString(wire.TLVItem, sign)
	retrieve.AddEnd()
	q = fx.h.Handle(retrieve, fx.user)

	frames := q.Frames()
	require.Greater(t, len(frames), 1)

	var got []byte
	for i, f := range frames {
		assert.Equal(t, wire.MsgRetrieve, f.Type())
		v := wire.NewView(f)
		require.True(t, v.Next())
		assert.Equal(t, wire.TLVItem, v.Type())
		assert.Equal(t, sign, v.Text())
		require.True(t, v.Next())
		require.Equal(t, wire.TLVContent, v.Type())
		got = append(got, v.Value()...)

		isLast := i == len(frames)-1
		assert.Equal(t, isLast, wire.VerifyEnd(f.Bytes()))
	}
	assert.Equal(t, content, got)
}

func TestRetrieveMissingFile(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	retrieve := wire.New(wire.MsgRetrieve)
	retrieve.AddString(wire.TLVItem, digest.Sign("nope.txt", "d"))
	retrieve.AddEnd()
	q := fx.h.Handle(retrieve, fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrRetrieveFailed, errType)
}

func TestKeepAlive(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.login(t)

	msg := wire.New(wire.MsgKeepAlive)
	msg.AddEnd()
	q := fx.h.Handle(msg, fx.user)
	ok, _, _ := replyStatus(t, q)
	assert.True(t, ok)
}

func TestEmptyRequest(t *testing.T) {
	fx := newHandlerFixture(t)
	q := fx.h.Handle(wire.New(wire.MsgAuth), fx.user)
	_, errType, _ := replyStatus(t, q)
	assert.Equal(t, wire.ErrNoContent, errType)
}
