package battle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMatchmaker(t *testing.T, ttl time.Duration) (*Matchmaker, *testEnv) {
	t.Helper()
	timings := fastTimings()
	timings.Active = 2 * time.Second
	env := newTestEnv(t, timings)
	return NewMatchmaker(env.sup, ttl), env
}

func TestCreateAIBattleStartsImmediately(t *testing.T) {
	mm, env := newTestMatchmaker(t, time.Minute)

	b, err := mm.CreateAIBattle("u1")
	require.NoError(t, err)
	assert.True(t, b.Slots[1].IsAI())
	assert.True(t, env.sup.HasLiveBattle("u1"))

	_, err = mm.CreateAIBattle("u1")
	assert.ErrorIs(t, err, ErrAlreadyInBattle)
}

func TestInvitationIsIdempotentPerPair(t *testing.T) {
	mm, _ := newTestMatchmaker(t, time.Minute)

	first, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)
	second, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// a different pair gets its own invite
	other, err := mm.CreateInvitation("u2", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAcceptInvitationStartsBattle(t *testing.T) {
	mm, env := newTestMatchmaker(t, time.Minute)

	req, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)

	b, err := mm.AcceptInvitation("u2", req.ID)
	require.NoError(t, err)
	assert.Equal(t, [2]Participant{Human("u1"), Human("u2")}, b.Slots)
	assert.True(t, env.sup.HasLiveBattle("u1"))
	assert.True(t, env.sup.HasLiveBattle("u2"))

	got, ok := mm.Request(req.ID)
	require.True(t, ok)
	assert.Equal(t, RequestAccepted, got.Status)
	assert.Equal(t, b.ID, got.BattleID)

	// a second accept reports the invite as spent
	_, err = mm.AcceptInvitation("u2", req.ID)
	assert.ErrorIs(t, err, ErrInviteResolved)

	// the pair index is freed so a new invite gets a fresh id
	env.sup.Sweep(0, 0)
	fresh, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, fresh.ID)
}

func TestSelfInvitationRejected(t *testing.T) {
	mm, _ := newTestMatchmaker(t, time.Minute)

	_, err := mm.CreateInvitation("u1", "u1")
	assert.ErrorIs(t, err, ErrSelfInvite)
}

func TestAcceptByWrongUser(t *testing.T) {
	mm, _ := newTestMatchmaker(t, time.Minute)

	req, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)

	_, err = mm.AcceptInvitation("u3", req.ID)
	assert.ErrorIs(t, err, ErrNotInvitee)
	// the inviter cannot accept their own invite either
	_, err = mm.AcceptInvitation("u1", req.ID)
	assert.ErrorIs(t, err, ErrNotInvitee)
}

func TestExpiredInvitationNeverResurrects(t *testing.T) {
	mm, _ := newTestMatchmaker(t, 10*time.Millisecond)

	req, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = mm.AcceptInvitation("u2", req.ID)
	assert.ErrorIs(t, err, ErrInviteExpired)

	got, ok := mm.Request(req.ID)
	require.True(t, ok)
	assert.Equal(t, RequestExpired, got.Status)

	// accepting again after expiry still reports expired
	_, err = mm.AcceptInvitation("u2", req.ID)
	assert.ErrorIs(t, err, ErrInviteExpired)

	// an expired invite no longer blocks a new one for the same pair
	fresh, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, fresh.ID)
}

func TestExpireStaleSweepsTombstones(t *testing.T) {
	mm, _ := newTestMatchmaker(t, 10*time.Millisecond)

	req, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)

	now := time.Now().UTC()
	assert.Equal(t, 1, mm.ExpireStale(now.Add(20*time.Millisecond)))

	// the tombstone survives one ttl for late accepts, then goes away
	_, ok := mm.Request(req.ID)
	assert.True(t, ok)
	mm.ExpireStale(now.Add(time.Second))
	_, ok = mm.Request(req.ID)
	assert.False(t, ok)
}

func TestInviterAlreadyInBattle(t *testing.T) {
	mm, _ := newTestMatchmaker(t, time.Minute)

	_, err := mm.CreateAIBattle("u1")
	require.NoError(t, err)

	_, err = mm.CreateInvitation("u1", "u2")
	assert.ErrorIs(t, err, ErrAlreadyInBattle)
}

func TestAcceptWhileInviteeBusyRestoresInvite(t *testing.T) {
	mm, _ := newTestMatchmaker(t, time.Minute)

	req, err := mm.CreateInvitation("u1", "u2")
	require.NoError(t, err)

	// the invitee gets tied up in another battle before accepting
	_, err = mm.CreateAIBattle("u2")
	require.NoError(t, err)

	_, err = mm.AcceptInvitation("u2", req.ID)
	assert.ErrorIs(t, err, ErrAlreadyInBattle)

	// the invite rolls back to pending and stays acceptable
	got, ok := mm.Request(req.ID)
	require.True(t, ok)
	assert.Equal(t, RequestPending, got.Status)
}
