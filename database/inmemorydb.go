package database

import (
	"sync"
	"time"
)

// InmemoryDB is an extension of the MockDB that stores the delivered payloads in memory.
type InmemoryDB struct {
	*MockDB

	deliveredPayloadsLock sync.Mutex
	deliveredPayloads     []*DeliveredPayloadEntry
}

func NewInmemoryDB() *InmemoryDB {
	return &InmemoryDB{
		MockDB:            &MockDB{},
		deliveredPayloads: make([]*DeliveredPayloadEntry, 0),
	}
}

func (db *InmemoryDB) SaveDeliveredPayload(entry *DeliveredPayloadEntry) error {
	db.deliveredPayloadsLock.Lock()
	defer db.deliveredPayloadsLock.Unlock()

	for _, e := range db.deliveredPayloads {
		if e.PayloadID == entry.PayloadID && e.BlockHash == entry.BlockHash {
			return nil
		}
	}

	stored := *entry
	stored.ID = uint64(len(db.deliveredPayloads) + 1)
	stored.InsertedAt = time.Now().UTC()
	db.deliveredPayloads = append(db.deliveredPayloads, &stored)
	return nil
}

func (db *InmemoryDB) GetRecentDeliveredPayloads(filters GetPayloadsFilters) ([]*DeliveredPayloadEntry, error) {
	db.deliveredPayloadsLock.Lock()
	defer db.deliveredPayloadsLock.Unlock()

	entries := []*DeliveredPayloadEntry{}
	for i := len(db.deliveredPayloads) - 1; i >= 0; i-- {
		if filters.Limit > 0 && uint64(len(entries)) >= filters.Limit {
			break
		}
		e := db.deliveredPayloads[i]
		if filters.Cursor > 0 && e.ID > filters.Cursor {
			continue
		}
		if filters.PayloadID != "" && e.PayloadID != filters.PayloadID {
			continue
		}
		if filters.Source != "" && e.Source != filters.Source {
			continue
		}
		if filters.BlockHash != "" && e.BlockHash != filters.BlockHash {
			continue
		}
		if filters.BlockNumber > 0 && e.BlockNumber != filters.BlockNumber {
			continue
		}
		entry := *e
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (db *InmemoryDB) GetNumDeliveredPayloads() (uint64, error) {
	db.deliveredPayloadsLock.Lock()
	defer db.deliveredPayloadsLock.Unlock()
	return uint64(len(db.deliveredPayloads)), nil
}
