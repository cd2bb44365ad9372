package kv

import (
	"encoding/json"

	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SaveAgent upserts an agent record keyed by agent ID.
func (s *Store) SaveAgent(agent *types.Agent) error {
	enc, err := json.Marshal(agent)
	if err != nil {
		return errors.Wrap(err, "could not encode agent")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).Put([]byte(agent.AgentID), enc)
	})
}

// Agent retrieves an agent by ID, or nil if it has never been saved.
func (s *Store) Agent(agentID string) (*types.Agent, error) {
	var agent *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(agentsBucket).Get([]byte(agentID))
		if enc == nil {
			return nil
		}
		agent = &types.Agent{}
		return json.Unmarshal(enc, agent)
	})
	return agent, err
}

// Agents retrieves every registered agent.
func (s *Store) Agents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).ForEach(func(_, enc []byte) error {
			agent := &types.Agent{}
			if err := json.Unmarshal(enc, agent); err != nil {
				return err
			}
			agents = append(agents, agent)
			return nil
		})
	})
	return agents, err
}

// DeleteAgent removes an agent record. Deleting an unknown agent is a no-op.
func (s *Store) DeleteAgent(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).Delete([]byte(agentID))
	})
}
