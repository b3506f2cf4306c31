package postgres

import (
	"context"
	"fmt"
)

var tables = []any{
	(*profile)(nil),
	(*follow)(nil),
	(*chatSettings)(nil),
	(*conversation)(nil),
	(*message)(nil),
	(*reaction)(nil),
	(*mute)(nil),
	(*block)(nil),
	(*restriction)(nil),
	(*deletion)(nil),
}

// Migrate creates the tables and indexes used by the store. It is safe to
// run against an already migrated database.
func (pg *Postgres) Migrate(ctx context.Context) error {
	if _, err := pg.bun.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	for _, t := range tables {
		if _, err := pg.bun.NewCreateTable().Model(t).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", t, err)
		}
	}

	_, err := pg.bun.NewCreateIndex().
		Model((*reaction)(nil)).
		Index("message_reactions_message_user_emoji_key").
		Unique().
		Column("message_id", "user_id", "emoji").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create reactions index: %w", err)
	}

	_, err = pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_conversation_id_created_at_idx").
		Column("conversation_id", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}
