package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) AddNotification(ctx context.Context, n *store.Notification) error {
	if n.Created.IsZero() {
		n.Created = time.Now().UTC()
	}
	if n.Level == "" {
		n.Level = "info"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, agent_id, session_id, title, message,
		 level, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AgentID, nilStr(n.SessionID), n.Title, n.Message, n.Level, n.Created)
	return err
}

func (s *Store) CreateNotificationChannel(ctx context.Context, c *store.NotificationChannel) error {
	config, _ := json.Marshal(c.Config)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_channels (id, agent_id, kind, config, active)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.Kind, string(config), boolToInt(c.Active))
	return err
}

func (s *Store) ListNotificationChannels(ctx context.Context, agentID string) ([]*store.NotificationChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, kind, config, active FROM notification_channels
		 WHERE agent_id = ? AND active = 1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.NotificationChannel
	for rows.Next() {
		var c store.NotificationChannel
		var config string
		var active int
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Kind, &config, &active); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(config), &c.Config)
		c.Active = active == 1
		result = append(result, &c)
	}
	return result, rows.Err()
}
