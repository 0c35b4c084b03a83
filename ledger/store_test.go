package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func seedProvider(t *testing.T, store *Store, wallet, holder string) *Provider {
	t.Helper()
	provider := &Provider{WalletAddress: wallet, HolderAddress: holder}
	if err := store.SaveProvider(context.Background(), provider); err != nil {
		t.Fatalf("save provider: %v", err)
	}
	return provider
}

func TestProviderLookupIsCaseInsensitive(t *testing.T) {
	store := setupStore(t)
	seeded := seedProvider(t, store, "0xABCDEF0000000000000000000000000000000001", "0xHOLDER")
	got, err := store.ProviderByWallet(context.Background(), "0xabcdef0000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != seeded.ID || got.HolderAddress != "0xholder" {
		t.Fatalf("unexpected provider %+v", got)
	}
	if _, err := store.ProviderByWallet(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// re-saving keeps the id and earnings
	again := seedProvider(t, store, "0xabcdef0000000000000000000000000000000001", "0xother")
	if again.ID != seeded.ID {
		t.Fatalf("expected upsert to keep id")
	}
}

func TestCampaignHolder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if _, err := store.CampaignHolder(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.SaveCampaignHolder(ctx, 5, "0xFUND"); err != nil {
		t.Fatalf("save holder: %v", err)
	}
	if err := store.SaveCampaignHolder(ctx, 5, "0xFUND2"); err != nil {
		t.Fatalf("update holder: %v", err)
	}
	holder, err := store.CampaignHolder(ctx, 5)
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder.HolderAddress != "0xfund2" {
		t.Fatalf("unexpected holder %q", holder.HolderAddress)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	provider := seedProvider(t, store, "0xw1", "0xh1")

	record := &PaymentTransaction{CampaignID: 1, DeviceID: 10, Bucket: 600, ProviderID: provider.ID, Amount: 350, Origin: OriginEvent}
	if err := store.InsertPaymentTransaction(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.CompletePayment(ctx, record.ID, "0xtx"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, err := store.Payment(ctx, record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != StatusCompleted || stored.TransactionHash != "0xtx" {
		t.Fatalf("unexpected record %+v", stored)
	}
	updated, err := store.Provider(ctx, provider.ID)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if updated.EarningsTotal != 350 {
		t.Fatalf("expected earnings 350, got %f", updated.EarningsTotal)
	}

	if err := store.CompletePayment(ctx, record.ID, "0xtx2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.FailPayment(ctx, record.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	updated, _ = store.Provider(ctx, provider.ID)
	if updated.EarningsTotal != 350 {
		t.Fatalf("earnings changed after rejected transition: %f", updated.EarningsTotal)
	}
}

func TestInsertRejectsNonPending(t *testing.T) {
	store := setupStore(t)
	err := store.InsertPaymentTransaction(context.Background(), &PaymentTransaction{Status: StatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDuplicateIntentRejectedUntilFailed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := &PaymentTransaction{CampaignID: 1, DeviceID: 10, Bucket: 600, Amount: 10}
	if err := store.InsertPaymentTransaction(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &PaymentTransaction{CampaignID: 1, DeviceID: 10, Bucket: 600, Amount: 10}
	if err := store.InsertPaymentTransaction(ctx, dup); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := store.FailPayment(ctx, first.ID, "transfer rejected"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	retry := &PaymentTransaction{CampaignID: 1, DeviceID: 10, Bucket: 600, Amount: 10}
	if err := store.InsertPaymentTransaction(ctx, retry); err != nil {
		t.Fatalf("new attempt after failure should be allowed: %v", err)
	}
	other := &PaymentTransaction{CampaignID: 1, DeviceID: 10, Bucket: 900, Amount: 10}
	if err := store.InsertPaymentTransaction(ctx, other); err != nil {
		t.Fatalf("different bucket should be allowed: %v", err)
	}
}

func TestConcurrentEarningsIncrements(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	provider := seedProvider(t, store, "0xw", "0xh")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.IncrementProviderEarnings(ctx, provider.ID, 2.5); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := store.Provider(ctx, provider.ID)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if got.EarningsTotal != 50 {
		t.Fatalf("expected 50, got %f", got.EarningsTotal)
	}
	if err := store.IncrementProviderEarnings(ctx, uuid.New(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown provider, got %v", err)
	}
}

func TestListPaymentsPaginates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := &PaymentTransaction{CampaignID: 1, DeviceID: uint64(i), Bucket: 300, Amount: float64(i + 1)}
		if err := store.InsertPaymentTransaction(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	other := &PaymentTransaction{CampaignID: 2, DeviceID: 1, Bucket: 300, Amount: 1}
	if err := store.InsertPaymentTransaction(ctx, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	campaign := uint64(1)
	page, err := store.ListPayments(ctx, PaymentFilter{CampaignID: &campaign, Limit: 2, Page: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || page.TotalPages != 3 || len(page.Payments) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	all, err := store.ListPayments(ctx, PaymentFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.Total != 6 || all.Limit != defaultPageSize || all.Page != 1 {
		t.Fatalf("unexpected defaults %+v", all)
	}
}

func TestExportBucketWritesParquet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path, n, err := store.ExportBucket(ctx, dir, 1200)
	if err != nil || path != "" || n != 0 {
		t.Fatalf("empty bucket should not export: %q %d %v", path, n, err)
	}
	for i := 0; i < 3; i++ {
		rec := &PaymentTransaction{CampaignID: 9, DeviceID: uint64(i), Bucket: 1200, Amount: 100}
		if err := store.InsertPaymentTransaction(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	path, n, err = store.ExportBucket(ctx, dir, 1200)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 3 || path != filepath.Join(dir, "payments-1200.parquet") {
		t.Fatalf("unexpected export %q %d", path, n)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected parquet file, stat err %v", err)
	}
}
