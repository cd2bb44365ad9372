package kv

import (
	"encoding/json"

	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SaveTask upserts a task record keyed by task ID.
func (s *Store) SaveTask(task *types.Task) error {
	enc, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "could not encode task")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put([]byte(task.TaskID), enc)
	})
}

// Task retrieves a task by ID, or nil if it has never been saved.
func (s *Store) Task(taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(tasksBucket).Get([]byte(taskID))
		if enc == nil {
			return nil
		}
		task = &types.Task{}
		return json.Unmarshal(enc, task)
	})
	return task, err
}

// Tasks retrieves every stored task, whatever its state.
func (s *Store) Tasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(_, enc []byte) error {
			task := &types.Task{}
			if err := json.Unmarshal(enc, task); err != nil {
				return err
			}
			tasks = append(tasks, task)
			return nil
		})
	})
	return tasks, err
}

// DeleteTask removes a task record.
func (s *Store) DeleteTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete([]byte(taskID))
	})
}
