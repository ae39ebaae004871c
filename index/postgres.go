package index

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"evermem.org/memory"
)

// chunkRecord is the relational form of a chunk. Tags and the embedding
// vector are stored as JSON text so the schema stays portable across
// Postgres versions without extension requirements.
type chunkRecord struct {
	ChunkID    string `gorm:"primaryKey;column:chunk_id"`
	IndexName  string `gorm:"index;column:index_name"`
	DocumentID string `gorm:"index;column:document_id"`
	FileID     string `gorm:"column:file_id"`
	PartNumber int    `gorm:"column:part_number"`
	Text       string `gorm:"column:text"`
	Tags       string `gorm:"column:tags"`
	Vector     string `gorm:"column:vector"`
}

func (chunkRecord) TableName() string {
	return "memory_chunks"
}

// PostgresIndex stores chunks in a Postgres table via gorm. Candidate rows
// are narrowed by index name in SQL; vector scoring happens in-process.
type PostgresIndex struct {
	db *gorm.DB
}

// NewPostgresIndex opens a connection and migrates the chunk table.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return NewPostgresIndexWithDB(db)
}

// NewPostgresIndexWithDB wraps an existing gorm handle. Used by tests.
func NewPostgresIndexWithDB(db *gorm.DB) (*PostgresIndex, error) {
	if err := db.AutoMigrate(&chunkRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate chunk table: %w", err)
	}
	return &PostgresIndex{db: db}, nil
}

func toRecord(chunk memory.Chunk) (chunkRecord, error) {
	tags, err := json.Marshal(chunk.Tags)
	if err != nil {
		return chunkRecord{}, fmt.Errorf("failed to marshal tags of chunk %s: %w", chunk.ID, err)
	}
	vector, err := json.Marshal(chunk.Vector)
	if err != nil {
		return chunkRecord{}, fmt.Errorf("failed to marshal vector of chunk %s: %w", chunk.ID, err)
	}
	return chunkRecord{
		ChunkID:    chunk.ID,
		IndexName:  chunk.Index,
		DocumentID: chunk.DocumentID,
		FileID:     chunk.FileID,
		PartNumber: chunk.PartNumber,
		Text:       chunk.Text,
		Tags:       string(tags),
		Vector:     string(vector),
	}, nil
}

func fromRecord(record chunkRecord) (memory.Chunk, error) {
	chunk := memory.Chunk{
		ID:         record.ChunkID,
		Index:      record.IndexName,
		DocumentID: record.DocumentID,
		FileID:     record.FileID,
		PartNumber: record.PartNumber,
		Text:       record.Text,
	}
	if record.Tags != "" {
		if err := json.Unmarshal([]byte(record.Tags), &chunk.Tags); err != nil {
			return memory.Chunk{}, fmt.Errorf("failed to decode tags of chunk %s: %w", record.ChunkID, err)
		}
	}
	if record.Vector != "" {
		if err := json.Unmarshal([]byte(record.Vector), &chunk.Vector); err != nil {
			return memory.Chunk{}, fmt.Errorf("failed to decode vector of chunk %s: %w", record.ChunkID, err)
		}
	}
	return chunk, nil
}

// Upsert saves chunks, replacing rows with the same chunk id.
func (p *PostgresIndex) Upsert(ctx context.Context, chunks []memory.Chunk) error {
	for _, chunk := range chunks {
		record, err := toRecord(chunk)
		if err != nil {
			return err
		}
		if err := p.db.WithContext(ctx).Save(&record).Error; err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

func (p *PostgresIndex) loadChunks(ctx context.Context, indexName string) ([]memory.Chunk, error) {
	var records []chunkRecord
	err := p.db.WithContext(ctx).Where("index_name = ?", indexName).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load index %s: %w", indexName, err)
	}
	chunks := make([]memory.Chunk, 0, len(records))
	for _, record := range records {
		chunk, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DeleteByFilter removes matched chunks. An empty filter list removes
// nothing.
func (p *PostgresIndex) DeleteByFilter(ctx context.Context, indexName string, filters []memory.MemoryFilter) error {
	if len(filters) == 0 {
		return nil
	}
	chunks, err := p.loadChunks(ctx, indexName)
	if err != nil {
		return err
	}
	var ids []string
	for _, chunk := range chunks {
		if memory.MatchesAny(filters, chunk.Tags) {
			ids = append(ids, chunk.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	err = p.db.WithContext(ctx).Where("chunk_id IN ?", ids).Delete(&chunkRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Search loads the index's rows and ranks them in-process.
func (p *PostgresIndex) Search(ctx context.Context, indexName string, vector []float32, filters []memory.MemoryFilter, minScore float64, limit int) ([]memory.Chunk, error) {
	chunks, err := p.loadChunks(ctx, indexName)
	if err != nil {
		return nil, err
	}
	return rankChunks(chunks, vector, filters, minScore, limit), nil
}

// ListIndexes returns the distinct index names, sorted.
func (p *PostgresIndex) ListIndexes(ctx context.Context) ([]string, error) {
	var names []string
	err := p.db.WithContext(ctx).Model(&chunkRecord{}).
		Distinct("index_name").Order("index_name").Pluck("index_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	return names, nil
}

// DeleteIndex removes every row of the index. Idempotent.
func (p *PostgresIndex) DeleteIndex(ctx context.Context, indexName string) error {
	err := p.db.WithContext(ctx).Where("index_name = ?", indexName).Delete(&chunkRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete index %s: %w", indexName, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *PostgresIndex) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
