// Package metadoc writes and reads the persisted measurement metadata
// document shared by both storage backends: a mongo
// collection document keyed by the upload-id filename, with the
// measurement's start/end locations embedded as a GeoJSON MultiPoint.
//
// Grounded on go.mongodb.org/mongo-driver, already an indirect reva
// dependency (go.mod), promoted to direct here since the backends import
// it for real.
package metadoc

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/storage"
)

// Store wraps a mongo collection holding persisted metadata documents.
type Store struct {
	coll *mongo.Collection
}

// NewStore returns a Store backed by the given collection, creating the
// unique index on filename that Insert's at-most-once guarantee depends on
// if it does not already exist.
func NewStore(ctx context.Context, coll *mongo.Collection) (*Store, error) {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "filename", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errtypes.BackendPermanent{Op: "metadoc: create unique filename index", Err: err}
	}
	return &Store{coll: coll}, nil
}

// geoJSON is a MultiPoint with the start/end coordinates in
// [longitude, latitude] order.
type geoJSON struct {
	Type        string      `bson:"type"`
	Coordinates [][]float64 `bson:"coordinates"`
}

type wireDoc struct {
	Filename     string            `bson:"filename"`
	UploadLength uint64            `bson:"uploadLength"`
	UploadDate   time.Time         `bson:"uploadDate"`
	UserID       string            `bson:"userId"`
	Properties   wireProperties    `bson:"properties"`
}

type wireProperties struct {
	DeviceID      string                 `bson:"deviceId"`
	MeasurementID uint64                 `bson:"measurementId"`
	Device        metadata.Device        `bson:"device"`
	Application   metadata.Application   `bson:"application"`
	Measurement   wireMeasurement        `bson:"measurement"`
	Attachments   metadata.Attachments   `bson:"attachments"`
	Geometry      *geoJSON               `bson:"geometry,omitempty"`
}

type wireMeasurement struct {
	Length        float64 `bson:"length"`
	LocationCount uint64  `bson:"locationCount"`
	Modality      string  `bson:"modality"`
}

// Insert atomically inserts doc. The unique index on filename that NewStore
// creates makes a replayed insert for the same upload-id a duplicate-key
// error, treated here as already-persisted — this is what makes Finalize
// safe to retry even when two callers race past the Exists check.
func (s *Store) Insert(ctx context.Context, doc storage.Document) error {
	w := toWire(doc)
	_, err := s.coll.InsertOne(ctx, w)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Exists reports whether a document for filename (the upload-id) has
// already been persisted, letting Finalize short-circuit a replay without
// attempting another insert.
func (s *Store) Exists(ctx context.Context, filename string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"filename": filename}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func toWire(doc storage.Document) wireDoc {
	w := wireDoc{
		Filename:     doc.Filename,
		UploadLength: doc.UploadLength,
		UploadDate:   doc.UploadDate,
		UserID:       doc.UserID,
		Properties: wireProperties{
			DeviceID:      doc.Properties.DeviceID.String(),
			MeasurementID: doc.Properties.MeasurementID,
			Device:        doc.Properties.Device,
			Application:   doc.Properties.Application,
			Measurement: wireMeasurement{
				Length:        doc.Properties.Measurement.Length,
				LocationCount: doc.Properties.Measurement.LocationCount,
				Modality:      doc.Properties.Measurement.Modality,
			},
			Attachments: doc.Properties.Attachments,
		},
	}

	start := doc.Properties.Measurement.StartLocation
	end := doc.Properties.Measurement.EndLocation
	if start != nil && end != nil {
		w.Properties.Geometry = &geoJSON{
			Type: "MultiPoint",
			Coordinates: [][]float64{
				{start.Longitude, start.Latitude},
				{end.Longitude, end.Latitude},
			},
		}
	}

	return w
}
