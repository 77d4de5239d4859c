package stakingdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/babylonlabs-io/simple-staking-sub003/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/fxamacker/cbor/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// mapping uint64 -> delegationRecord
	delegationBucketName = []byte("delegations")

	// mapping stakingTxHash -> uint64
	delegationIndexName = []byte("delegationIdx")

	// mapping stakerPk -> nested bucket of uint64 -> stakingTxHash
	stakerBucketName = []byte("stakers")

	// key for next delegation
	numDelegationsKey = []byte("ndk")
)

// StoredDelegationScanFn is called for each delegation during a scan.
type StoredDelegationScanFn func(d *StoredDelegation) error

// DelegationStore keeps delegations created by this staker until the staking
// API reports them, together with everything needed to finish the flow
// locally (unsigned staking tx, unbonding tx).
type DelegationStore struct {
	db  kvdb.Backend
	now func() time.Time
}

// StoreOption configures a DelegationStore.
type StoreOption func(*DelegationStore)

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *DelegationStore) {
		s.now = now
	}
}

// StoredDelegation is the local view of a delegation.
type StoredDelegation struct {
	StoredIdx           uint64
	StakingTxHash       chainhash.Hash
	StakerPk            *btcec.PublicKey
	StakerAddress       string
	FinalityProviderPks []*btcec.PublicKey
	StakingAmount       btcutil.Amount
	StakingTime         uint16
	StakingOutputIdx    uint32
	StakingTx           *wire.MsgTx
	UnbondingTx         *wire.MsgTx
	UnbondingTime       uint16
	State               types.DelegationState
	BabylonTxHash       string
	// height of the block that included the staking tx, 0 while unconfirmed
	StakingTxHeight uint32
	// last transaction broadcast for this delegation (staking, unbonding or withdrawal)
	SubmittedTxHash *chainhash.Hash
	FailureReason   string
	Phase1          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DelegationQuery selects a page of delegations. IndexOffset is exclusive.
type DelegationQuery struct {
	IndexOffset      uint64
	NumMaxResults    uint64
	Reversed         bool
	IntermediateOnly bool
}

// DefaultDelegationQuery returns the first 50 delegations in insertion order.
func DefaultDelegationQuery() DelegationQuery {
	return DelegationQuery{
		IndexOffset:   0,
		NumMaxResults: 50,
		Reversed:      false,
	}
}

// DelegationQueryResult holds a page of delegations and the total count
// matching the key space queried.
type DelegationQueryResult struct {
	Delegations []StoredDelegation
	Total       uint64
}

type delegationRecord struct {
	Idx                 uint64   `cbor:"1,keyasint"`
	StakingTx           []byte   `cbor:"2,keyasint"`
	StakingOutputIdx    uint32   `cbor:"3,keyasint"`
	StakerPk            []byte   `cbor:"4,keyasint"`
	StakerAddress       string   `cbor:"5,keyasint"`
	FinalityProviderPks [][]byte `cbor:"6,keyasint"`
	StakingAmount       int64    `cbor:"7,keyasint"`
	StakingTime         uint16   `cbor:"8,keyasint"`
	UnbondingTx         []byte   `cbor:"9,keyasint,omitempty"`
	UnbondingTime       uint16   `cbor:"10,keyasint"`
	State               string   `cbor:"11,keyasint"`
	BabylonTxHash       string   `cbor:"12,keyasint,omitempty"`
	StakingTxHeight     uint32   `cbor:"13,keyasint"`
	SubmittedTxHash     []byte   `cbor:"14,keyasint,omitempty"`
	FailureReason       string   `cbor:"15,keyasint,omitempty"`
	Phase1              bool     `cbor:"16,keyasint"`
	CreatedAt           int64    `cbor:"17,keyasint"`
	UpdatedAt           int64    `cbor:"18,keyasint"`
}

// NewDelegationStore returns a new store backed by db
func NewDelegationStore(db kvdb.Backend, opts ...StoreOption) (*DelegationStore, error) {
	store := &DelegationStore{
		db:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	if err := store.initBuckets(); err != nil {
		return nil, err
	}

	return store, nil
}

func (c *DelegationStore) initBuckets() error {
	return kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		for _, name := range [][]byte{delegationBucketName, delegationIndexName, stakerBucketName} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func deserializeTx(b []byte) (*wire.MsgTx, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &tx, nil
}

func delegationToRecord(d *StoredDelegation) (*delegationRecord, error) {
	stakingTx, err := serializeTx(d.StakingTx)
	if err != nil {
		return nil, err
	}

	unbondingTx, err := serializeTx(d.UnbondingTx)
	if err != nil {
		return nil, err
	}

	fpPks := make([][]byte, len(d.FinalityProviderPks))
	for i, pk := range d.FinalityProviderPks {
		fpPks[i] = schnorr.SerializePubKey(pk)
	}

	var submitted []byte
	if d.SubmittedTxHash != nil {
		submitted = d.SubmittedTxHash.CloneBytes()
	}

	return &delegationRecord{
		Idx:                 d.StoredIdx,
		StakingTx:           stakingTx,
		StakingOutputIdx:    d.StakingOutputIdx,
		StakerPk:            schnorr.SerializePubKey(d.StakerPk),
		StakerAddress:       d.StakerAddress,
		FinalityProviderPks: fpPks,
		StakingAmount:       int64(d.StakingAmount),
		StakingTime:         d.StakingTime,
		UnbondingTx:         unbondingTx,
		UnbondingTime:       d.UnbondingTime,
		State:               d.State.String(),
		BabylonTxHash:       d.BabylonTxHash,
		StakingTxHeight:     d.StakingTxHeight,
		SubmittedTxHash:     submitted,
		FailureReason:       d.FailureReason,
		Phase1:              d.Phase1,
		CreatedAt:           d.CreatedAt.UnixNano(),
		UpdatedAt:           d.UpdatedAt.UnixNano(),
	}, nil
}

func recordToDelegation(r *delegationRecord) (*StoredDelegation, error) {
	stakingTx, err := deserializeTx(r.StakingTx)
	if err != nil {
		return nil, err
	}
	if stakingTx == nil {
		return nil, fmt.Errorf("%w: missing staking transaction", ErrCorruptedDelegationsDB)
	}

	unbondingTx, err := deserializeTx(r.UnbondingTx)
	if err != nil {
		return nil, err
	}

	stakerPk, err := schnorr.ParsePubKey(r.StakerPk)
	if err != nil {
		return nil, err
	}

	fpPks := make([]*btcec.PublicKey, len(r.FinalityProviderPks))
	for i, pk := range r.FinalityProviderPks {
		fpPks[i], err = schnorr.ParsePubKey(pk)
		if err != nil {
			return nil, err
		}
	}

	state, err := types.ParseDelegationState(r.State)
	if err != nil {
		return nil, err
	}

	var submitted *chainhash.Hash
	if len(r.SubmittedTxHash) > 0 {
		submitted, err = chainhash.NewHash(r.SubmittedTxHash)
		if err != nil {
			return nil, err
		}
	}

	return &StoredDelegation{
		StoredIdx:           r.Idx,
		StakingTxHash:       stakingTx.TxHash(),
		StakerPk:            stakerPk,
		StakerAddress:       r.StakerAddress,
		FinalityProviderPks: fpPks,
		StakingAmount:       btcutil.Amount(r.StakingAmount),
		StakingTime:         r.StakingTime,
		StakingOutputIdx:    r.StakingOutputIdx,
		StakingTx:           stakingTx,
		UnbondingTx:         unbondingTx,
		UnbondingTime:       r.UnbondingTime,
		State:               state,
		BabylonTxHash:       r.BabylonTxHash,
		StakingTxHeight:     r.StakingTxHeight,
		SubmittedTxHash:     submitted,
		FailureReason:       r.FailureReason,
		Phase1:              r.Phase1,
		CreatedAt:           time.Unix(0, r.CreatedAt),
		UpdatedAt:           time.Unix(0, r.UpdatedAt),
	}, nil
}

func decodeDelegation(v []byte) (*StoredDelegation, error) {
	var r delegationRecord
	if err := cbor.Unmarshal(v, &r); err != nil {
		return nil, ErrCorruptedDelegationsDB
	}

	return recordToDelegation(&r)
}

func uint64KeyToBytes(key uint64) []byte {
	var keyBytes = make([]byte, 8)
	binary.BigEndian.PutUint64(keyBytes, key)
	return keyBytes
}

func nextDelegationKey(idxBucket walletdb.ReadBucket) uint64 {
	numBytes := idxBucket.Get(numDelegationsKey)
	if numBytes == nil {
		return 1
	}

	return binary.BigEndian.Uint64(numBytes)
}

// getByHash returns the encoded delegation and its key
func getByHash(
	txHashBytes []byte,
	idxBucket walletdb.ReadBucket,
	delBucket walletdb.ReadBucket) ([]byte, []byte, error) {
	key := idxBucket.Get(txHashBytes)

	if key == nil {
		return nil, nil, ErrDelegationNotFound
	}

	maybeDel := delBucket.Get(key)

	if maybeDel == nil {
		// index without record means something weird happened
		return nil, nil, ErrCorruptedDelegationsDB
	}

	return maybeDel, key, nil
}

func validateNewDelegation(d *StoredDelegation) error {
	if d == nil {
		return fmt.Errorf("%w: nil delegation", ErrInvalidDelegation)
	}
	if d.StakingTx == nil {
		return fmt.Errorf("%w: missing staking transaction", ErrInvalidDelegation)
	}
	if d.StakerPk == nil {
		return fmt.Errorf("%w: missing staker public key", ErrInvalidDelegation)
	}
	if len(d.FinalityProviderPks) == 0 {
		return fmt.Errorf("%w: cannot add delegation without finality providers public keys", ErrInvalidDelegation)
	}
	if int(d.StakingOutputIdx) >= len(d.StakingTx.TxOut) {
		return fmt.Errorf("%w: staking output index %d out of range", ErrInvalidDelegation, d.StakingOutputIdx)
	}
	if _, err := types.ParseDelegationState(d.State.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDelegation, err)
	}

	return nil
}

// AddDelegation stores a new delegation. The staking tx hash must be unique.
// StoredIdx, StakingTxHash and timestamps are filled by the store.
func (c *DelegationStore) AddDelegation(d *StoredDelegation) error {
	if err := validateNewDelegation(d); err != nil {
		return err
	}

	txHash := d.StakingTx.TxHash()
	txHashBytes := txHash.CloneBytes()
	now := c.now()

	return kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		idxBucket := tx.ReadWriteBucket(delegationIndexName)
		if idxBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		// check index first to avoid duplicates
		if idxBucket.Get(txHashBytes) != nil {
			return ErrDuplicateDelegation
		}

		delBucket := tx.ReadWriteBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		stakersBucket := tx.ReadWriteBucket(stakerBucketName)
		if stakersBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		nextKey := nextDelegationKey(idxBucket)
		nextKeyBytes := uint64KeyToBytes(nextKey)

		toStore := *d
		toStore.StoredIdx = nextKey
		toStore.StakingTxHash = txHash
		toStore.CreatedAt = now
		toStore.UpdatedAt = now

		record, err := delegationToRecord(&toStore)
		if err != nil {
			return err
		}

		marshalled, err := cbor.Marshal(record)
		if err != nil {
			return err
		}

		if err := delBucket.Put(nextKeyBytes, marshalled); err != nil {
			return err
		}

		if err := idxBucket.Put(txHashBytes, nextKeyBytes); err != nil {
			return err
		}

		stakerDelegations, err := stakersBucket.CreateBucketIfNotExists(schnorr.SerializePubKey(d.StakerPk))
		if err != nil {
			return err
		}

		if err := stakerDelegations.Put(nextKeyBytes, txHashBytes); err != nil {
			return err
		}

		return idxBucket.Put(numDelegationsKey, uint64KeyToBytes(nextKey+1))
	})
}

// GetDelegation returns the delegation with the given staking tx hash.
func (c *DelegationStore) GetDelegation(txHash *chainhash.Hash) (*StoredDelegation, error) {
	var d *StoredDelegation

	err := c.db.View(func(tx kvdb.RTx) error {
		idxBucket := tx.ReadBucket(delegationIndexName)
		if idxBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		delBucket := tx.ReadBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		v, _, err := getByHash(txHash.CloneBytes(), idxBucket, delBucket)
		if err != nil {
			return err
		}

		d, err = decodeDelegation(v)
		return err
	}, func() {
		d = nil
	})

	if err != nil {
		return nil, err
	}

	return d, nil
}

// UpdateDelegation applies updateFn to the stored delegation atomically. A
// state change made by updateFn must be a valid lifecycle transition.
func (c *DelegationStore) UpdateDelegation(
	txHash *chainhash.Hash,
	updateFn func(d *StoredDelegation) error,
) error {
	txHashBytes := txHash.CloneBytes()

	return kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		idxBucket := tx.ReadWriteBucket(delegationIndexName)
		if idxBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		delBucket := tx.ReadWriteBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		v, key, err := getByHash(txHashBytes, idxBucket, delBucket)
		if err != nil {
			return err
		}

		stored, err := decodeDelegation(v)
		if err != nil {
			return err
		}

		prevState := stored.State
		if err := updateFn(stored); err != nil {
			return err
		}

		if !types.CanTransition(prevState, stored.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, prevState, stored.State)
		}

		stored.UpdatedAt = c.now()

		record, err := delegationToRecord(stored)
		if err != nil {
			return err
		}

		marshalled, err := cbor.Marshal(record)
		if err != nil {
			return err
		}

		return delBucket.Put(key, marshalled)
	})
}

// SetDelegationState moves the delegation to newState.
func (c *DelegationStore) SetDelegationState(txHash *chainhash.Hash, newState types.DelegationState) error {
	return c.UpdateDelegation(txHash, func(d *StoredDelegation) error {
		d.State = newState
		return nil
	})
}

// SetDelegationTxSubmitted records a broadcast transaction together with the
// intermediate state it puts the delegation in.
func (c *DelegationStore) SetDelegationTxSubmitted(
	txHash *chainhash.Hash,
	newState types.DelegationState,
	submittedTxHash chainhash.Hash,
) error {
	return c.UpdateDelegation(txHash, func(d *StoredDelegation) error {
		d.State = newState
		d.SubmittedTxHash = &submittedTxHash
		d.FailureReason = ""
		return nil
	})
}

// SetStakingTxConfirmed records the inclusion height of the staking tx.
func (c *DelegationStore) SetStakingTxConfirmed(txHash *chainhash.Hash, height uint32) error {
	return c.UpdateDelegation(txHash, func(d *StoredDelegation) error {
		d.StakingTxHeight = height
		return nil
	})
}

// SetDelegationFailure stores the reason the last action on the delegation failed.
func (c *DelegationStore) SetDelegationFailure(txHash *chainhash.Hash, reason string) error {
	return c.UpdateDelegation(txHash, func(d *StoredDelegation) error {
		d.FailureReason = reason
		return nil
	})
}

// RemoveDelegation deletes the delegation from every bucket.
func (c *DelegationStore) RemoveDelegation(txHash *chainhash.Hash) error {
	txHashBytes := txHash.CloneBytes()

	return kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		return removeDelegation(tx, txHashBytes)
	})
}

func removeDelegation(tx kvdb.RwTx, txHashBytes []byte) error {
	idxBucket := tx.ReadWriteBucket(delegationIndexName)
	if idxBucket == nil {
		return ErrCorruptedDelegationsDB
	}

	delBucket := tx.ReadWriteBucket(delegationBucketName)
	if delBucket == nil {
		return ErrCorruptedDelegationsDB
	}

	stakersBucket := tx.ReadWriteBucket(stakerBucketName)
	if stakersBucket == nil {
		return ErrCorruptedDelegationsDB
	}

	v, key, err := getByHash(txHashBytes, idxBucket, delBucket)
	if err != nil {
		return err
	}

	var r delegationRecord
	if err := cbor.Unmarshal(v, &r); err != nil {
		return ErrCorruptedDelegationsDB
	}

	if stakerDelegations := stakersBucket.NestedReadWriteBucket(r.StakerPk); stakerDelegations != nil {
		if err := stakerDelegations.Delete(key); err != nil {
			return err
		}
	}

	if err := delBucket.Delete(key); err != nil {
		return err
	}

	return idxBucket.Delete(txHashBytes)
}

func isIntermediateRecord(v []byte) (bool, error) {
	var r delegationRecord
	if err := cbor.Unmarshal(v, &r); err != nil {
		return false, ErrCorruptedDelegationsDB
	}

	st, err := types.ParseDelegationState(r.State)
	if err != nil {
		return false, err
	}

	return st.IsIntermediate(), nil
}

// QueryDelegations returns a page of all stored delegations.
func (c *DelegationStore) QueryDelegations(q DelegationQuery) (DelegationQueryResult, error) {
	var resp DelegationQueryResult

	err := c.db.View(func(tx kvdb.RTx) error {
		delBucket := tx.ReadBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		idxBucket := tx.ReadBucket(delegationIndexName)
		if idxBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		total := uint64(0)
		if err := delBucket.ForEach(func(_, _ []byte) error {
			total++
			return nil
		}); err != nil {
			return err
		}
		resp.Total = total

		if total == 0 {
			return nil
		}

		p := newPaginator(delBucket.ReadCursor(), q.Reversed, q.IndexOffset, q.NumMaxResults)

		return p.query(func(_, v []byte) (bool, error) {
			return appendDelegation(&resp, v, q.IntermediateOnly)
		})
	}, func() {
		resp = DelegationQueryResult{}
	})

	if err != nil {
		return resp, err
	}

	return resp, nil
}

// QueryStakerDelegations returns a page of the delegations of a single staker.
func (c *DelegationStore) QueryStakerDelegations(
	stakerPk *btcec.PublicKey,
	q DelegationQuery,
) (DelegationQueryResult, error) {
	var resp DelegationQueryResult

	err := c.db.View(func(tx kvdb.RTx) error {
		delBucket := tx.ReadBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		stakersBucket := tx.ReadBucket(stakerBucketName)
		if stakersBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		stakerDelegations := stakersBucket.NestedReadBucket(schnorr.SerializePubKey(stakerPk))
		if stakerDelegations == nil {
			return nil
		}

		if err := stakerDelegations.ForEach(func(_, _ []byte) error {
			resp.Total++
			return nil
		}); err != nil {
			return err
		}

		p := newPaginator(stakerDelegations.ReadCursor(), q.Reversed, q.IndexOffset, q.NumMaxResults)

		return p.query(func(k, _ []byte) (bool, error) {
			v := delBucket.Get(k)
			if v == nil {
				return false, ErrCorruptedDelegationsDB
			}

			return appendDelegation(&resp, v, q.IntermediateOnly)
		})
	}, func() {
		resp = DelegationQueryResult{}
	})

	if err != nil {
		return resp, err
	}

	return resp, nil
}

func appendDelegation(resp *DelegationQueryResult, v []byte, intermediateOnly bool) (bool, error) {
	d, err := decodeDelegation(v)
	if err != nil {
		return false, err
	}

	if intermediateOnly && !d.State.IsIntermediate() {
		return false, nil
	}

	resp.Delegations = append(resp.Delegations, *d)
	return true, nil
}

// ScanDelegations calls scanFunc for every stored delegation.
func (c *DelegationStore) ScanDelegations(scanFunc StoredDelegationScanFn, reset func()) error {
	return kvdb.View(c.db, func(tx kvdb.RTx) error {
		delBucket := tx.ReadBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		return delBucket.ForEach(func(_, v []byte) error {
			d, err := decodeDelegation(v)
			if err != nil {
				return err
			}

			return scanFunc(d)
		})
	}, reset)
}

// PruneExpired removes delegations still in an intermediate state whose last
// update is older than maxAge. It returns the staking tx hashes removed.
func (c *DelegationStore) PruneExpired(maxAge time.Duration) ([]chainhash.Hash, error) {
	var removed []chainhash.Hash
	cutoff := c.now().Add(-maxAge).UnixNano()

	err := kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		removed = nil

		delBucket := tx.ReadWriteBucket(delegationBucketName)
		if delBucket == nil {
			return ErrCorruptedDelegationsDB
		}

		var toRemove [][]byte
		if err := delBucket.ForEach(func(_, v []byte) error {
			intermediate, err := isIntermediateRecord(v)
			if err != nil {
				return err
			}
			if !intermediate {
				return nil
			}

			var r delegationRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return ErrCorruptedDelegationsDB
			}

			if r.UpdatedAt >= cutoff {
				return nil
			}

			stakingTx, err := deserializeTx(r.StakingTx)
			if err != nil || stakingTx == nil {
				return ErrCorruptedDelegationsDB
			}

			h := stakingTx.TxHash()
			toRemove = append(toRemove, h.CloneBytes())
			removed = append(removed, h)
			return nil
		}); err != nil {
			return err
		}

		// bolt forbids mutating a bucket while iterating it
		for _, h := range toRemove {
			if err := removeDelegation(tx, h); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return removed, nil
}
