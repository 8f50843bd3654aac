package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// Repository is the session catalog: one document per open torrent, keyed by
// the hex info hash.
type Repository struct {
	collection *mongo.Collection
}

type sourceDoc struct {
	Magnet     string `bson:"magnet,omitempty"`
	Descriptor []byte `bson:"descriptor,omitempty"`
	InfoHash   string `bson:"infoHash,omitempty"`
}

type sessionDoc struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	Status         string    `bson:"status"`
	Source         sourceDoc `bson:"source"`
	PieceCount     int       `bson:"pieceCount"`
	VerifiedPieces int       `bson:"verifiedPieces"`
	Progress       float64   `bson:"progress"` // verified share of pieces, for sorting
	TotalBytes     int64     `bson:"totalBytes"`
	CreatedAt      int64     `bson:"createdAt"`
	UpdatedAt      int64     `bson:"updatedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Upsert writes the record. The creation time of an existing document is
// kept.
func (r *Repository) Upsert(ctx context.Context, rec domain.SessionRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid session record: %w", err)
	}
	doc := toDoc(rec)
	update := bson.M{
		"$set": bson.M{
			"name":           doc.Name,
			"status":         doc.Status,
			"source":         doc.Source,
			"pieceCount":     doc.PieceCount,
			"verifiedPieces": doc.VerifiedPieces,
			"progress":       doc.Progress,
			"totalBytes":     doc.TotalBytes,
			"updatedAt":      doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{"createdAt": doc.CreatedAt},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.Update().SetUpsert(true))
	return err
}

func (r *Repository) Get(ctx context.Context, ih domain.InfoHash) (domain.SessionRecord, error) {
	var doc sessionDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": ih.HexString()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return fromDoc(doc)
}

// List returns records in creation order, oldest first, so restores reopen
// torrents in the order they were added.
func (r *Repository) List(ctx context.Context, filter domain.SessionFilter) ([]domain.SessionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, listQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs)
}

func (r *Repository) Delete(ctx context.Context, ih domain.InfoHash) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": ih.HexString()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func listQuery(filter domain.SessionFilter) bson.M {
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = string(*filter.Status)
	}
	return query
}

func toDoc(r domain.SessionRecord) sessionDoc {
	return sessionDoc{
		ID:     r.InfoHash.HexString(),
		Name:   r.Name,
		Status: string(r.Status),
		Source: sourceDoc{
			Magnet:     r.Source.Magnet,
			Descriptor: r.Source.Descriptor,
			InfoHash:   r.Source.InfoHash,
		},
		PieceCount:     r.PieceCount,
		VerifiedPieces: r.VerifiedPieces,
		Progress:       pieceProgress(r.VerifiedPieces, r.PieceCount),
		TotalBytes:     r.TotalBytes,
		CreatedAt:      r.CreatedAt.Unix(),
		UpdatedAt:      r.UpdatedAt.Unix(),
	}
}

func fromDoc(doc sessionDoc) (domain.SessionRecord, error) {
	ih, err := domain.ParseInfoHash(doc.ID)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("session document %q: %w", doc.ID, err)
	}
	return domain.SessionRecord{
		InfoHash: ih,
		Name:     doc.Name,
		Status:   domain.TorrentStatus(doc.Status),
		Source: domain.TorrentSource{
			Magnet:     doc.Source.Magnet,
			Descriptor: doc.Source.Descriptor,
			InfoHash:   doc.Source.InfoHash,
		},
		PieceCount:     doc.PieceCount,
		VerifiedPieces: doc.VerifiedPieces,
		TotalBytes:     doc.TotalBytes,
		CreatedAt:      timeFromUnix(doc.CreatedAt),
		UpdatedAt:      timeFromUnix(doc.UpdatedAt),
	}, nil
}

func fromDocs(docs []sessionDoc) ([]domain.SessionRecord, error) {
	records := make([]domain.SessionRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func pieceProgress(verified, total int) float64 {
	if total <= 0 || verified <= 0 {
		return 0
	}
	if verified >= total {
		return 1
	}
	return float64(verified) / float64(total)
}

var _ ports.SessionRepository = (*Repository)(nil)
