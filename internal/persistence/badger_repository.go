package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"crypto-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of Repository. Every record
// is a JSON value under a userref-prefixed key, so multiple instances can
// share one database without seeing each other's rows.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface through returns.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// NewInMemoryRepository opens an in-memory Badger instance, used by tests.
func NewInMemoryRepository() (Repository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func orderKey(userRef int64, orderID string) []byte {
	return []byte(fmt.Sprintf("order/%d/%s", userRef, orderID))
}

func stateKey(userRef int64) []byte {
	return []byte(fmt.Sprintf("state/%d", userRef))
}

func surplusKey(userRef int64) []byte {
	return []byte(fmt.Sprintf("surplus/%d", userRef))
}

func lotKey(userRef int64, buyOrderID string) []byte {
	return []byte(fmt.Sprintf("lot/%d/%s", userRef, buyOrderID))
}

func tspKey(userRef int64, buyOrderID string) []byte {
	return []byte(fmt.Sprintf("tsp/%d/%s", userRef, buyOrderID))
}

func settingsKey(userRef int64) []byte {
	return []byte(fmt.Sprintf("gridcfg/%d", userRef))
}

func (r *badgerRepository) setJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (r *badgerRepository) getJSON(key []byte, v interface{}) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *badgerRepository) delete(key []byte) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// loadPrefix collects all JSON values under a key prefix into out via decode.
func (r *badgerRepository) loadPrefix(prefix []byte, decode func([]byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				return decode(val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *badgerRepository) SaveOrder(userRef int64, order *models.Order) error {
	key := order.ID
	if key == "" {
		// Pending orders have no exchange id yet; the client reference is
		// unique per instance.
		key = order.ClientRef
	}
	return r.setJSON(orderKey(userRef, key), order)
}

func (r *badgerRepository) DeleteOrder(userRef int64, orderID string) error {
	return r.delete(orderKey(userRef, orderID))
}

func (r *badgerRepository) LoadOrders(userRef int64) ([]models.Order, error) {
	var orders []models.Order
	prefix := []byte(fmt.Sprintf("order/%d/", userRef))
	err := r.loadPrefix(prefix, func(val []byte) error {
		var o models.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		orders = append(orders, o)
		return nil
	})
	return orders, err
}

func (r *badgerRepository) SaveBotState(userRef int64, state string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(userRef), []byte(state))
	})
}

func (r *badgerRepository) LoadBotState(userRef int64) (string, error) {
	var state string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(userRef))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	return state, err
}

func (r *badgerRepository) SaveSurplus(userRef int64, surplus *models.Surplus) error {
	return r.setJSON(surplusKey(userRef), surplus)
}

func (r *badgerRepository) LoadSurplus(userRef int64) (*models.Surplus, error) {
	var s models.Surplus
	found, err := r.getJSON(surplusKey(userRef), &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (r *badgerRepository) SaveUnsoldLot(userRef int64, lot *models.UnsoldLot) error {
	return r.setJSON(lotKey(userRef, lot.BuyOrderID), lot)
}

func (r *badgerRepository) DeleteUnsoldLot(userRef int64, buyOrderID string) error {
	return r.delete(lotKey(userRef, buyOrderID))
}

func (r *badgerRepository) LoadUnsoldLots(userRef int64) ([]models.UnsoldLot, error) {
	var lots []models.UnsoldLot
	prefix := []byte(fmt.Sprintf("lot/%d/", userRef))
	err := r.loadPrefix(prefix, func(val []byte) error {
		var l models.UnsoldLot
		if err := json.Unmarshal(val, &l); err != nil {
			return err
		}
		lots = append(lots, l)
		return nil
	})
	return lots, err
}

func (r *badgerRepository) SaveTrailingStop(userRef int64, ts *models.TrailingStop) error {
	return r.setJSON(tspKey(userRef, ts.BuyOrderID), ts)
}

func (r *badgerRepository) DeleteTrailingStop(userRef int64, buyOrderID string) error {
	return r.delete(tspKey(userRef, buyOrderID))
}

func (r *badgerRepository) LoadTrailingStops(userRef int64) ([]models.TrailingStop, error) {
	var states []models.TrailingStop
	prefix := []byte(fmt.Sprintf("tsp/%d/", userRef))
	err := r.loadPrefix(prefix, func(val []byte) error {
		var ts models.TrailingStop
		if err := json.Unmarshal(val, &ts); err != nil {
			return err
		}
		states = append(states, ts)
		return nil
	})
	return states, err
}

func (r *badgerRepository) SaveGridSettings(userRef int64, settings *GridSettings) error {
	return r.setJSON(settingsKey(userRef), settings)
}

func (r *badgerRepository) LoadGridSettings(userRef int64) (*GridSettings, error) {
	var s GridSettings
	found, err := r.getJSON(settingsKey(userRef), &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// Close gracefully closes the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
