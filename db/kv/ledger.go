package kv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SaveAccount upserts a credit account keyed by account ID.
func (s *Store) SaveAccount(account *ledger.Account) error {
	enc, err := json.Marshal(account)
	if err != nil {
		return errors.Wrap(err, "could not encode account")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).Put([]byte(account.ID), enc)
	})
}

// Account retrieves a credit account by ID, or nil if unknown.
func (s *Store) Account(accountID string) (*ledger.Account, error) {
	var account *ledger.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(accountsBucket).Get([]byte(accountID))
		if enc == nil {
			return nil
		}
		account = &ledger.Account{}
		return json.Unmarshal(enc, account)
	})
	return account, err
}

// SaveTransaction stores a settled credit transaction keyed by txId. The
// bucket doubles as the durable duplicate-suppression set.
func (s *Store) SaveTransaction(creditTx *ledger.CreditTransaction) error {
	enc, err := json.Marshal(creditTx)
	if err != nil {
		return errors.Wrap(err, "could not encode transaction")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).Put([]byte(creditTx.TxID), enc)
	})
}

// HasTransaction reports whether a transaction ID has already been settled.
func (s *Store) HasTransaction(txID string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(transactionsBucket).Get([]byte(txID)) != nil
		return nil
	})
	return exists, err
}

// SaveOrderingEntry persists one ordering chain entry, keyed by its
// big-endian sequence number so cursor order matches chain order.
func (s *Store) SaveOrderingEntry(entry ledger.Entry) error {
	enc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "could not encode ordering entry")
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, entry.SequenceNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(orderingBucket).Put(key, enc)
	})
}

// OrderingEntries returns persisted chain entries with sequence numbers in
// [from, to], in ascending order.
func (s *Store) OrderingEntries(from, to uint64) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	min := make([]byte, 8)
	binary.BigEndian.PutUint64(min, from)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(orderingBucket).Cursor()
		for k, v := c.Seek(min); k != nil && binary.BigEndian.Uint64(k) <= to; k, v = c.Next() {
			var e ledger.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// SavePaymentIntent upserts a payment intent keyed by its ID.
func (s *Store) SavePaymentIntent(intent *types.PaymentIntent) error {
	enc, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "could not encode payment intent")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(paymentIntentsBucket).Put([]byte(intent.ID), enc)
	})
}

// PaymentIntent retrieves a payment intent by ID, or nil if unknown.
func (s *Store) PaymentIntent(id string) (*types.PaymentIntent, error) {
	var intent *types.PaymentIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(paymentIntentsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		intent = &types.PaymentIntent{}
		return json.Unmarshal(enc, intent)
	})
	return intent, err
}
