package database

// MockDB accepts every write and returns empty results
type MockDB struct {
	SaveErr error
}

func (db MockDB) SaveDeliveredPayload(entry *DeliveredPayloadEntry) error {
	return db.SaveErr
}

func (db MockDB) GetRecentDeliveredPayloads(filters GetPayloadsFilters) ([]*DeliveredPayloadEntry, error) {
	return nil, nil
}

func (db MockDB) GetNumDeliveredPayloads() (uint64, error) {
	return 0, nil
}

func (db MockDB) Close() error {
	return nil
}
