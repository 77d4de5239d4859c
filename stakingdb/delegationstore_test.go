package stakingdb_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/babylonlabs-io/babylon/testutil/datagen"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingcfg"
	"github.com/babylonlabs-io/simple-staking-sub003/stakingdb"
	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func MakeTestStore(t *testing.T, opts ...stakingdb.StoreOption) *stakingdb.DelegationStore {
	// First, create a temporary directory to be used for the duration of
	// this test.
	tempDirName := t.TempDir()

	cfg := stakingcfg.DefaultDBConfig()

	cfg.DBPath = tempDirName

	backend, err := stakingcfg.GetDBBackend(&cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		backend.Close()
	})

	store, err := stakingdb.NewDelegationStore(backend, opts...)
	require.NoError(t, err)

	return store
}

func genStoredDelegation(t *testing.T, r *rand.Rand, stakerPk *btcec.PublicKey) *stakingdb.StoredDelegation {
	stakingTx := datagen.GenRandomTx(r)
	stakerAddr, err := datagen.GenRandomBTCAddress(r, &chaincfg.MainNetParams)
	require.NoError(t, err)

	if stakerPk == nil {
		_, stakerPk, err = datagen.GenRandomBTCKeyPair(r)
		require.NoError(t, err)
	}

	_, fpPk, err := datagen.GenRandomBTCKeyPair(r)
	require.NoError(t, err)

	return &stakingdb.StoredDelegation{
		StakerPk:            stakerPk,
		StakerAddress:       stakerAddr.String(),
		FinalityProviderPks: []*btcec.PublicKey{fpPk},
		StakingAmount:       btcutil.Amount(r.Int63n(1_000_000) + 10_000),
		StakingTime:         uint16(r.Int31n(60000) + 100),
		StakingOutputIdx:    0,
		StakingTx:           stakingTx,
		UnbondingTx:         datagen.GenRandomTx(r),
		UnbondingTime:       101,
		State:               types.DelegationStateIntermediatePendingVerification,
	}
}

func TestEmptyStore(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)
	hash := datagen.GenRandomBtcdHash(r)
	d, err := s.GetDelegation(&hash)
	require.Nil(t, d)
	require.Error(t, err)
	require.True(t, errors.Is(err, stakingdb.ErrDelegationNotFound))

	res, err := s.QueryDelegations(stakingdb.DefaultDelegationQuery())
	require.NoError(t, err)
	require.Zero(t, res.Total)
	require.Empty(t, res.Delegations)
}

func TestAddAndGetDelegation(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)

	d := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(d))

	hash := d.StakingTx.TxHash()
	stored, err := s.GetDelegation(&hash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.StoredIdx)
	require.Equal(t, hash, stored.StakingTxHash)
	require.Equal(t, d.StakerAddress, stored.StakerAddress)
	require.Equal(t, d.StakingAmount, stored.StakingAmount)
	require.Equal(t, d.StakingTime, stored.StakingTime)
	require.True(t, d.StakerPk.IsEqual(stored.StakerPk))
	require.Equal(t, d.UnbondingTx.TxHash(), stored.UnbondingTx.TxHash())
	require.Equal(t, types.DelegationStateIntermediatePendingVerification, stored.State)
	require.False(t, stored.CreatedAt.IsZero())

	err = s.AddDelegation(d)
	require.ErrorIs(t, err, stakingdb.ErrDuplicateDelegation)
}

func TestAddInvalidDelegation(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)

	d := genStoredDelegation(t, r, nil)
	d.FinalityProviderPks = nil
	require.ErrorIs(t, s.AddDelegation(d), stakingdb.ErrInvalidDelegation)

	d = genStoredDelegation(t, r, nil)
	d.StakingOutputIdx = 5
	require.ErrorIs(t, s.AddDelegation(d), stakingdb.ErrInvalidDelegation)
}

func TestDelegationStateUpdates(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)

	d := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(d))
	hash := d.StakingTx.TxHash()

	// cannot skip verification
	err := s.SetDelegationState(&hash, types.DelegationStateActive)
	require.ErrorIs(t, err, stakingdb.ErrInvalidStateTransition)

	require.NoError(t, s.SetDelegationState(&hash, types.DelegationStateVerified))

	submitted := datagen.GenRandomBtcdHash(r)
	require.NoError(t, s.SetDelegationTxSubmitted(&hash, types.DelegationStateIntermediatePendingBtcConfirmation, submitted))
	require.NoError(t, s.SetStakingTxConfirmed(&hash, 100))

	stored, err := s.GetDelegation(&hash)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStateIntermediatePendingBtcConfirmation, stored.State)
	require.Equal(t, submitted, *stored.SubmittedTxHash)
	require.Equal(t, uint32(100), stored.StakingTxHeight)

	require.NoError(t, s.SetDelegationFailure(&hash, "broadcast failed"))
	stored, err = s.GetDelegation(&hash)
	require.NoError(t, err)
	require.Equal(t, "broadcast failed", stored.FailureReason)

	unknown := datagen.GenRandomBtcdHash(r)
	require.ErrorIs(t, s.SetDelegationState(&unknown, types.DelegationStateVerified), stakingdb.ErrDelegationNotFound)
}

func TestRemoveDelegation(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)

	d := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(d))
	hash := d.StakingTx.TxHash()

	require.NoError(t, s.RemoveDelegation(&hash))
	_, err := s.GetDelegation(&hash)
	require.ErrorIs(t, err, stakingdb.ErrDelegationNotFound)

	res, err := s.QueryStakerDelegations(d.StakerPk, stakingdb.DefaultDelegationQuery())
	require.NoError(t, err)
	require.Empty(t, res.Delegations)

	require.ErrorIs(t, s.RemoveDelegation(&hash), stakingdb.ErrDelegationNotFound)
}

func TestQueryStakerDelegations(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := MakeTestStore(t)

	_, stakerPk, err := datagen.GenRandomBTCKeyPair(r)
	require.NoError(t, err)

	var own []*stakingdb.StoredDelegation
	for i := 0; i < 10; i++ {
		// interleave other stakers to get sparse indexes
		require.NoError(t, s.AddDelegation(genStoredDelegation(t, r, nil)))
		d := genStoredDelegation(t, r, stakerPk)
		require.NoError(t, s.AddDelegation(d))
		own = append(own, d)
	}

	q := stakingdb.DefaultDelegationQuery()
	q.NumMaxResults = 4
	res, err := s.QueryStakerDelegations(stakerPk, q)
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.Total)
	require.Len(t, res.Delegations, 4)
	for i, d := range res.Delegations {
		require.Equal(t, own[i].StakingTx.TxHash(), d.StakingTxHash)
	}

	// next page starts after the last returned index
	q.IndexOffset = res.Delegations[3].StoredIdx
	res, err = s.QueryStakerDelegations(stakerPk, q)
	require.NoError(t, err)
	require.Len(t, res.Delegations, 4)
	require.Equal(t, own[4].StakingTx.TxHash(), res.Delegations[0].StakingTxHash)

	q = stakingdb.DefaultDelegationQuery()
	q.Reversed = true
	q.NumMaxResults = 3
	res, err = s.QueryStakerDelegations(stakerPk, q)
	require.NoError(t, err)
	require.Len(t, res.Delegations, 3)
	require.Equal(t, own[9].StakingTx.TxHash(), res.Delegations[0].StakingTxHash)

	q.IndexOffset = res.Delegations[2].StoredIdx
	res, err = s.QueryStakerDelegations(stakerPk, q)
	require.NoError(t, err)
	require.Len(t, res.Delegations, 3)
	require.Equal(t, own[6].StakingTx.TxHash(), res.Delegations[0].StakingTxHash)

	all, err := s.QueryDelegations(stakingdb.DelegationQuery{NumMaxResults: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(20), all.Total)
	require.Len(t, all.Delegations, 20)
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := MakeTestStore(t, stakingdb.WithClock(clock.Now))

	stale := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(stale))

	verified := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(verified))
	verifiedHash := verified.StakingTx.TxHash()
	require.NoError(t, s.SetDelegationState(&verifiedHash, types.DelegationStateVerified))

	clock.now = clock.now.Add(2 * time.Hour)
	fresh := genStoredDelegation(t, r, nil)
	require.NoError(t, s.AddDelegation(fresh))

	removed, err := s.PruneExpired(time.Hour)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, stale.StakingTx.TxHash(), removed[0])

	q := stakingdb.DefaultDelegationQuery()
	res, err := s.QueryDelegations(q)
	require.NoError(t, err)
	require.Len(t, res.Delegations, 2)

	q.IntermediateOnly = true
	res, err = s.QueryDelegations(q)
	require.NoError(t, err)
	require.Len(t, res.Delegations, 1)
	require.Equal(t, fresh.StakingTx.TxHash(), res.Delegations[0].StakingTxHash)
}

func FuzzStoringDelegations(f *testing.F) {
	// only 3 seeds as this is pretty slow test opening/closing db
	datagen.AddRandomSeedsToFuzzer(f, 3)

	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		s := MakeTestStore(t)
		numDel := r.Intn(30) + 1

		generated := make([]*stakingdb.StoredDelegation, numDel)
		for i := 0; i < numDel; i++ {
			generated[i] = genStoredDelegation(t, r, nil)
			require.NoError(t, s.AddDelegation(generated[i]))
		}

		var scanned int
		err := s.ScanDelegations(func(d *stakingdb.StoredDelegation) error {
			require.Equal(t, generated[d.StoredIdx-1].StakingTx.TxHash(), d.StakingTxHash)
			scanned++
			return nil
		}, func() {
			scanned = 0
		})
		require.NoError(t, err)
		require.Equal(t, numDel, scanned)
	})
}
