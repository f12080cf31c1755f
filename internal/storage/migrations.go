package storage

func (s *SQLiteStorage) migrate() error {
	schema := `
    CREATE TABLE IF NOT EXISTS scratch (
        instance TEXT NOT NULL,
        key TEXT NOT NULL,
        value BLOB NOT NULL,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (instance, key)
    );

    CREATE INDEX IF NOT EXISTS idx_scratch_instance
        ON scratch(instance);
    `

	_, err := s.db.Exec(schema)
	return err
}
