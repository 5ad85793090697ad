package journal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptloop/internal/conversation"
)

func msg(role conversation.Role, content string) conversation.Message {
	return conversation.NewMessage(role, "", content)
}

// buildSession drives a journal through every action kind.
func buildSession(t *testing.T) *Journal {
	t.Helper()
	j := New()
	require.NoError(t, j.Create("code"))
	require.NoError(t, j.Create("review", "performer"))
	require.NoError(t, j.AddParticipants("review", "reviewer"))
	require.NoError(t, j.Append("code", msg(conversation.RoleSystem, "write scripts")))
	require.NoError(t, j.Append("code", msg(conversation.RoleUser, "mission").WithTag("mission")))
	require.NoError(t, j.Append("code", msg(conversation.RoleAssistant, "attempt 1")))
	require.NoError(t, j.Append("code", msg(conversation.RoleUser, "fix it")))
	require.NoError(t, j.FailedResponse("code", "small", errors.New("rate limited"), []int{0, 1, 2, 3}))
	require.NoError(t, j.Append("code", msg(conversation.RoleAssistant, "attempt 2")))
	require.NoError(t, j.ReplaceLast("code", msg(conversation.RoleSurrogate, "attempt 2, trimmed")))
	require.NoError(t, j.Delete("code", conversation.Select(conversation.Index(2))))
	require.NoError(t, j.Append("code", msg(conversation.RoleUser, "mission again").WithTag("mission")))
	require.NoError(t, j.Append("review", conversation.NewMessage(conversation.RoleUser, "performer", "looks ok?")))
	return j
}

func TestReplay_Deterministic(t *testing.T) {
	j := buildSession(t)

	var buf bytes.Buffer
	require.NoError(t, j.Export(&buf))
	records, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	first, err := Replay(records)
	require.NoError(t, err)
	second, err := Replay(records)
	require.NoError(t, err)

	if diff := cmp.Diff(j.State(), first.State()); diff != "" {
		t.Errorf("replay differs from original (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first.State(), second.State()); diff != "" {
		t.Errorf("replays differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(j.Records(), first.Records(), cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("replayed log differs (-want +got):\n%s", diff)
	}
}

func TestAppend_TagRewind(t *testing.T) {
	j := buildSession(t)
	c, _ := j.Conversation("code")
	// The second mission message replaced everything from the first one.
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "mission again", c.At(1).Content)
}

func TestAppend_TagRewindIsIdempotent(t *testing.T) {
	j := New()
	require.NoError(t, j.Create("c"))
	require.NoError(t, j.Append("c", msg(conversation.RoleSystem, "sys")))
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "one")))
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "task").WithTag("T")))
	require.NoError(t, j.Append("c", msg(conversation.RoleAssistant, "answer")))

	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "task").WithTag("T")))
	c1, _ := j.Conversation("c")
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "task").WithTag("T")))
	c2, _ := j.Conversation("c")

	assert.Equal(t, 3, c1.Len())
	assert.Equal(t, c1.Len(), c2.Len())
	assert.Equal(t, c1.Messages(), c2.Messages())
}

func TestApply_FailureIsNotLogged(t *testing.T) {
	j := buildSession(t)
	n := j.Len()
	before := j.State()

	assert.ErrorIs(t, j.Append("missing", msg(conversation.RoleUser, "x")), ErrNoConversation)
	assert.ErrorIs(t, j.Create("code"), ErrConversationExists)
	assert.ErrorIs(t, j.ResetToTag("code", "nope"), conversation.ErrUnknownTag)
	assert.ErrorIs(t, j.Append("review", conversation.NewMessage(conversation.RoleUser, "stranger", "hi")),
		conversation.ErrNotParticipant)
	assert.Error(t, j.Delete("code", conversation.Select(conversation.Index(10))))
	_, err := j.Apply(Action{Kind: "bogus", Conversation: "code"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	assert.Equal(t, n, j.Len())
	assert.Equal(t, before, j.State())
}

func TestResetToTag(t *testing.T) {
	j := New()
	require.NoError(t, j.Create("c"))
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "a").WithTag("start")))
	require.NoError(t, j.Append("c", msg(conversation.RoleAssistant, "b")))
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "c")))

	require.NoError(t, j.ResetToTag("c", "start"))
	c, _ := j.Conversation("c")
	assert.Equal(t, 1, c.Len())
}

func TestDelete_ByRange(t *testing.T) {
	j := New()
	require.NoError(t, j.Create("c"))
	for _, s := range []string{"0", "1", "2", "3", "4"} {
		require.NoError(t, j.Append("c", msg(conversation.RoleUser, s)))
	}
	sel := conversation.Selection{Ranges: []conversation.Range{
		conversation.Between(conversation.Index(1), conversation.Index(-2)),
	}}
	require.NoError(t, j.Delete("c", sel))

	c, _ := j.Conversation("c")
	got := make([]string, 0, c.Len())
	for _, m := range c.Messages() {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"0", "4"}, got)
}

func TestObserver_SeesCommittedRecords(t *testing.T) {
	var seen []Kind
	var lens []int
	j := New(ObserverFunc(func(r Record, c *conversation.Conversation) {
		seen = append(seen, r.Action.Kind)
		lens = append(lens, c.Len())
	}))
	require.NoError(t, j.Create("c"))
	require.NoError(t, j.Append("c", msg(conversation.RoleUser, "hi")))
	require.Error(t, j.ResetToTag("c", "none"))

	assert.Equal(t, []Kind{KindCreateConversation, KindAppendMessage}, seen)
	assert.Equal(t, []int{0, 1}, lens)
}

func TestRecords_AreIsolated(t *testing.T) {
	j := New()
	require.NoError(t, j.Create("c"))
	m := msg(conversation.RoleUser, "original")
	require.NoError(t, j.Append("c", m))

	recs := j.Records()
	recs[1].Action.Message.Content = "tampered"

	assert.Equal(t, "original", j.Records()[1].Action.Message.Content)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(bytes.NewBufferString("{\"seq\":1}\nnot json\n"))
	assert.Error(t, err)

	_, err = Replay([]Record{{Seq: 2, Action: Action{Kind: KindCreateConversation, Conversation: "c"}}})
	assert.Error(t, err)
}
