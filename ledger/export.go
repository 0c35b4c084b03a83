package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetPayment struct {
	ID                 string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CampaignID         int64   `parquet:"name=campaign_id, type=INT64"`
	DeviceID           int64   `parquet:"name=device_id, type=INT64"`
	Bucket             int64   `parquet:"name=bucket, type=INT64"`
	ProviderID         string  `parquet:"name=provider_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount             float64 `parquet:"name=amount, type=DOUBLE"`
	SourceAddress      string  `parquet:"name=source_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	DestinationAddress string  `parquet:"name=destination_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status             string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	TransactionHash    string  `parquet:"name=transaction_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTxHash        string  `parquet:"name=event_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber        int64   `parquet:"name=block_number, type=INT64"`
	Origin             string  `parquet:"name=origin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error              string  `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt          string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportBucket writes every payment of bucket to <dir>/payments-<bucket>.parquet and
// returns the file path. Nothing is written for an empty bucket.
func (s *Store) ExportBucket(ctx context.Context, dir string, bucket int64) (string, int, error) {
	payments, err := s.PaymentsForBucket(ctx, bucket)
	if err != nil {
		return "", 0, err
	}
	if len(payments) == 0 {
		return "", 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("ledger: create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("payments-%d.parquet", bucket))
	if err := writeParquet(path, payments); err != nil {
		return "", 0, err
	}
	return path, len(payments), nil
}

func writeParquet(path string, rows []PaymentTransaction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetPayment), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetPayment{
			ID:                 row.ID.String(),
			CampaignID:         int64(row.CampaignID),
			DeviceID:           int64(row.DeviceID),
			Bucket:             row.Bucket,
			ProviderID:         row.ProviderID.String(),
			Amount:             row.Amount,
			SourceAddress:      row.SourceAddress,
			DestinationAddress: row.DestinationAddress,
			Status:             string(row.Status),
			TransactionHash:    row.TransactionHash,
			EventTxHash:        row.EventTxHash,
			BlockNumber:        int64(row.BlockNumber),
			Origin:             string(row.Origin),
			Error:              row.Error,
			CreatedAt:          row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("ledger: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("ledger: close parquet file: %w", err)
	}
	return nil
}
