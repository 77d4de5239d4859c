package stakingdb

import (
	"encoding/binary"

	"github.com/lightningnetwork/lnd/kvdb"
)

// paginator walks a bucket whose keys are big endian uint64 indexes. The index
// offset is exclusive, a zero offset starts from the first (or last when
// reversed) element.
type paginator struct {
	cursor      kvdb.RCursor
	reversed    bool
	indexOffset uint64
	totalItems  uint64
}

func newPaginator(c kvdb.RCursor, reversed bool,
	indexOffset, totalItems uint64) paginator {

	return paginator{
		cursor:      c,
		reversed:    reversed,
		indexOffset: indexOffset,
		totalItems:  totalItems,
	}
}

func (p paginator) nextKey() ([]byte, []byte) {
	if p.reversed {
		return p.cursor.Prev()
	}

	return p.cursor.Next()
}

func (p paginator) cursorStart() ([]byte, []byte) {
	if !p.reversed {
		return p.cursor.Seek(uint64KeyToBytes(p.indexOffset + 1))
	}

	if p.indexOffset == 0 {
		return p.cursor.Last()
	}

	k, v := p.cursor.Seek(uint64KeyToBytes(p.indexOffset))
	if k == nil {
		return p.cursor.Last()
	}

	// seek lands on the first key >= offset, the offset itself is excluded
	for k != nil && len(k) == 8 && binary.BigEndian.Uint64(k) >= p.indexOffset {
		k, v = p.cursor.Prev()
	}

	return k, v
}

// query calls fetchAndAppend for consecutive keys until totalItems of them were
// accepted or the bucket is exhausted.
func (p paginator) query(fetchAndAppend func(k, v []byte) (bool, error)) error {
	indexKey, indexValue := p.cursorStart()

	var totalItems uint64
	for ; indexKey != nil; indexKey, indexValue = p.nextKey() {
		if totalItems >= p.totalItems {
			break
		}

		// counter and other bookkeeping keys are not indexes
		if len(indexKey) != 8 {
			continue
		}

		added, err := fetchAndAppend(indexKey, indexValue)
		if err != nil {
			return err
		}

		if added {
			totalItems++
		}
	}

	return nil
}
