package transactor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/persist"
	"go.uber.org/multierr"
)

// AutoOrderRecord remembers the orders the transactor placed itself, so
// their fills are tagged AUTO_TRADE. Client ids are recorded before the
// order is sent; exchange ids once the placement returns.
type AutoOrderRecord struct {
	OrderIDs  map[int64]int64  `json:"order_ids"`
	ClientIDs map[string]int64 `json:"client_ids"`
}

func newAutoOrderRecord() *AutoOrderRecord {
	return &AutoOrderRecord{OrderIDs: map[int64]int64{}, ClientIDs: map[string]int64{}}
}

// Contains reports whether either id was placed by the transactor.
func (r *AutoOrderRecord) Contains(orderID int64, clientID string) bool {
	if _, ok := r.OrderIDs[orderID]; ok {
		return true
	}
	_, ok := r.ClientIDs[clientID]
	return ok && clientID != ""
}

type paths struct {
	assetRecord string
	unrealized  string
	autoOrders  string
	scribbles   string
}

func pathsFor(datapath string) paths {
	dir := filepath.Join(datapath, "transactor")
	return paths{
		assetRecord: filepath.Join(dir, "asset_record.snapshot"),
		unrealized:  filepath.Join(dir, "unrealized_changes.snapshot"),
		autoOrders:  filepath.Join(dir, "auto_order_record.snapshot"),
		scribbles:   filepath.Join(dir, "scribbles.snapshot"),
	}
}

// records is what the transactor persists between runs.
type records struct {
	assets     models.AssetRecord
	unrealized models.Series
	autoOrders *AutoOrderRecord
	scribbles  models.Scribbles
}

func loadRecords(p paths) (records, error) {
	r := records{autoOrders: newAutoOrderRecord(), scribbles: models.Scribbles{}}
	err := multierr.Combine(
		ignoreMissing(persist.ReadCompressedJSON(p.assetRecord, &r.assets)),
		ignoreMissing(persist.ReadCompressedJSON(p.unrealized, &r.unrealized)),
		ignoreMissing(persist.ReadCompressedJSON(p.autoOrders, r.autoOrders)),
		ignoreMissing(persist.ReadCompressed(p.scribbles, func(rd io.Reader) error {
			data, err := io.ReadAll(rd)
			if err != nil {
				return err
			}
			return r.scribbles.UnmarshalBinary(data)
		})),
	)
	if err != nil {
		return records{}, fmt.Errorf("failed to load transactor records: %w", err)
	}
	if r.autoOrders.OrderIDs == nil {
		r.autoOrders.OrderIDs = map[int64]int64{}
	}
	if r.autoOrders.ClientIDs == nil {
		r.autoOrders.ClientIDs = map[string]int64{}
	}
	return r, nil
}

func saveRecords(p paths, r records) error {
	scribbles, err := r.scribbles.MarshalBinary()
	if err != nil {
		return err
	}
	err = multierr.Combine(
		persist.WriteCompressedJSON(p.assetRecord, r.assets),
		persist.WriteCompressedJSON(p.unrealized, r.unrealized),
		persist.WriteCompressedJSON(p.autoOrders, r.autoOrders),
		persist.WriteCompressed(p.scribbles, func(w io.Writer) error {
			_, err := io.Copy(w, bytes.NewReader(scribbles))
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to save transactor records: %w", err)
	}
	return nil
}

func ignoreMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadAssetRecord reads the persisted asset record under datapath without
// starting a transactor.
func LoadAssetRecord(datapath string) (models.AssetRecord, error) {
	var r models.AssetRecord
	if err := persist.ReadCompressedJSON(pathsFor(datapath).assetRecord, &r); err != nil {
		return models.AssetRecord{}, fmt.Errorf("failed to load asset record: %w", err)
	}
	return r, nil
}
