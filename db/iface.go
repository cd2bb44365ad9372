// Package db defines the PersistentStore contract the coordinator and
// ledger depend on. The kv subpackage provides the BoltDB implementation.
package db

import (
	"io"

	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/types"
)

// Database is the full persistent store surface.
type Database interface {
	io.Closer

	SaveAgent(agent *types.Agent) error
	Agent(agentID string) (*types.Agent, error)
	Agents() ([]*types.Agent, error)
	DeleteAgent(agentID string) error

	SaveTask(task *types.Task) error
	Task(taskID string) (*types.Task, error)
	Tasks() ([]*types.Task, error)
	DeleteTask(taskID string) error

	SaveAccount(account *ledger.Account) error
	Account(accountID string) (*ledger.Account, error)

	SaveTransaction(tx *ledger.CreditTransaction) error
	HasTransaction(txID string) (bool, error)

	SaveOrderingEntry(entry ledger.Entry) error
	OrderingEntries(from, to uint64) ([]ledger.Entry, error)

	SavePaymentIntent(intent *types.PaymentIntent) error
	PaymentIntent(id string) (*types.PaymentIntent, error)

	DatabasePath() string
	ClearDB() error
}
