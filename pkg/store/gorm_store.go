package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"libreserve/pkg/domain"
)

const migrateLockID int64 = 51873201

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ReservationModel{}, &BasketItemModel{}, &ReservationEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// Superseded by ux_reservation_awaiting_pickup_user_book.
		if err := tx.Exec(`DROP INDEX IF EXISTS ux_reservation_active_user_book`).Error; err != nil {
			return fmt.Errorf("drop old active reservation index: %w", err)
		}
		// One reservation awaiting pickup per (user, book), enforced below the engine as well.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS ux_reservation_awaiting_pickup_user_book
			ON reservation_models (user_id, book_id)
			WHERE status = 'active' AND pickup_date IS NULL
		`).Error; err != nil {
			return fmt.Errorf("create active reservation index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithTx runs fn inside a GORM transaction.
func (s *GormStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	return getBook(s.db.WithContext(ctx), id)
}

// GetBooks returns the known books among ids, keyed by id.
func (s *GormStore) GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error) {
	res := make(map[string]domain.Book, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []BookModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = bookFromModel(m)
	}
	return res, nil
}

// CatalogTotals sums the ledger counters across all books.
func (s *GormStore) CatalogTotals(ctx context.Context) (CatalogTotals, error) {
	var row struct {
		Books           int64
		TotalCopies     int64
		AvailableCopies int64
	}
	err := s.db.WithContext(ctx).Model(&BookModel{}).
		Select("COUNT(*) AS books, COALESCE(SUM(total_copies), 0) AS total_copies, COALESCE(SUM(available_copies), 0) AS available_copies").
		Scan(&row).Error
	if err != nil {
		return CatalogTotals{}, err
	}
	return CatalogTotals{
		Books:           int(row.Books),
		TotalCopies:     int(row.TotalCopies),
		AvailableCopies: int(row.AvailableCopies),
	}, nil
}

// GetReservation returns a reservation by ID.
func (s *GormStore) GetReservation(ctx context.Context, id string) (domain.Reservation, bool, error) {
	var model ReservationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, err
	}
	return reservationFromModel(model), true, nil
}

// ListReservations returns a page of reservations ordered by reservation date.
func (s *GormStore) ListReservations(ctx context.Context, filter ReservationFilter) ([]domain.Reservation, error) {
	order := "reservation_date DESC, id DESC"
	if filter.Ascending {
		order = "reservation_date ASC, id ASC"
	}
	query := applyReservationFilter(s.db.WithContext(ctx).Model(&ReservationModel{}), filter).Order(order)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var models []ReservationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Reservation, 0, len(models))
	for _, m := range models {
		res = append(res, reservationFromModel(m))
	}
	return res, nil
}

// CountReservations counts reservations matching filter, ignoring Limit and Offset.
func (s *GormStore) CountReservations(ctx context.Context, filter ReservationFilter) (int, error) {
	var count int64
	if err := applyReservationFilter(s.db.WithContext(ctx).Model(&ReservationModel{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CategoryCounts groups the user's reservations by book category. Books
// without a category are left out.
func (s *GormStore) CategoryCounts(ctx context.Context, userID string, limit int) ([]CategoryCount, error) {
	if limit <= 0 {
		return []CategoryCount{}, nil
	}
	var rows []CategoryCount
	if err := s.db.WithContext(ctx).
		Table("reservation_models AS r").
		Select("b.category AS category, COUNT(*) AS count").
		Joins("JOIN book_models AS b ON b.id = r.book_id").
		Where("r.user_id = ? AND b.category <> ''", userID).
		Group("b.category").
		Order("count DESC, category ASC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []CategoryCount{}
	}
	return rows, nil
}

// ListExpiredCandidates returns active, not picked-up reservations past their
// pickup deadline, oldest deadline first.
func (s *GormStore) ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		return []domain.Reservation{}, nil
	}
	var models []ReservationModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND pickup_date IS NULL AND pickup_deadline < ?", string(domain.StatusActive), now).
		Order("pickup_deadline ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Reservation, 0, len(models))
	for _, m := range models {
		res = append(res, reservationFromModel(m))
	}
	return res, nil
}

// ListEvents returns the audit history of a reservation in chronological order.
func (s *GormStore) ListEvents(ctx context.Context, reservationID string) ([]domain.ReservationEvent, error) {
	var models []ReservationEventModel
	if err := s.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("occurred_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ReservationEvent, 0, len(models))
	for _, m := range models {
		res = append(res, eventFromModel(m))
	}
	return res, nil
}

// AddBasketItem inserts a basket row. It reports false when the row already exists.
func (s *GormStore) AddBasketItem(ctx context.Context, item domain.BasketItem) (bool, error) {
	model := BasketItemModel{UserID: item.UserID, BookID: item.BookID, AddedDate: item.AddedDate}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RemoveBasketItem deletes one basket row.
func (s *GormStore) RemoveBasketItem(ctx context.Context, userID, bookID string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&BasketItemModel{}, "user_id = ? AND book_id = ?", userID, bookID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ClearBasket deletes every basket row of a user.
func (s *GormStore) ClearBasket(ctx context.Context, userID string) (int, error) {
	return clearBasket(s.db.WithContext(ctx), userID)
}

// ListBasket returns the user's basket, newest first.
func (s *GormStore) ListBasket(ctx context.Context, userID string) ([]domain.BasketItem, error) {
	return listBasket(s.db.WithContext(ctx), userID, "added_date DESC")
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockUser(userID string) error {
	return t.db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID).Error
}

func (t *gormTx) GetBook(id string) (domain.Book, bool, error) {
	return getBook(t.db, id)
}

func (t *gormTx) LockBook(id string) (domain.Book, bool, error) {
	return getBook(t.db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (t *gormTx) SaveBook(book domain.Book) error {
	model := bookToModel(book)
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "category", "isbn", "total_copies", "available_copies", "updated_at"}),
	}).Create(&model).Error
}

func (t *gormTx) CreateReservation(r domain.Reservation) error {
	model := reservationToModel(r)
	if err := t.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (t *gormTx) LockReservation(id string) (domain.Reservation, bool, error) {
	var model ReservationModel
	if err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, err
	}
	return reservationFromModel(model), true, nil
}

func (t *gormTx) UpdateReservation(r domain.Reservation) error {
	model := reservationToModel(r)
	return t.db.Model(&ReservationModel{}).Where("id = ?", r.ID).Updates(map[string]any{
		"status":          model.Status,
		"pickup_deadline": model.PickupDeadline,
		"pickup_date":     model.PickupDate,
		"return_deadline": model.ReturnDeadline,
		"return_date":     model.ReturnDate,
		"renewal_count":   model.RenewalCount,
		"notes":           model.Notes,
		"updated_at":      model.UpdatedAt,
	}).Error
}

func (t *gormTx) CountActiveReservations(userID string) (int, error) {
	var count int64
	if err := t.db.Model(&ReservationModel{}).
		Where("user_id = ? AND "+sqlAwaitPickup, userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (t *gormTx) FindActiveReservation(userID, bookID string) (domain.Reservation, bool, error) {
	var models []ReservationModel
	if err := t.db.
		Where("user_id = ? AND book_id = ? AND "+sqlAwaitPickup, userID, bookID).
		Limit(1).
		Find(&models).Error; err != nil {
		return domain.Reservation{}, false, err
	}
	if len(models) == 0 {
		return domain.Reservation{}, false, nil
	}
	return reservationFromModel(models[0]), true, nil
}

func (t *gormTx) AppendEvent(ev domain.ReservationEvent) error {
	model, err := eventToModel(ev)
	if err != nil {
		return err
	}
	return t.db.Create(&model).Error
}

func (t *gormTx) ListBasket(userID string) ([]domain.BasketItem, error) {
	return listBasket(t.db, userID, "added_date ASC")
}

func (t *gormTx) ClearBasket(userID string) (int, error) {
	return clearBasket(t.db, userID)
}

func getBook(db *gorm.DB, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func listBasket(db *gorm.DB, userID, order string) ([]domain.BasketItem, error) {
	var models []BasketItemModel
	if err := db.Where("user_id = ?", userID).Order(order).Order("book_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.BasketItem, 0, len(models))
	for _, m := range models {
		items = append(items, domain.BasketItem{UserID: m.UserID, BookID: m.BookID, AddedDate: m.AddedDate})
	}
	return items, nil
}

func clearBasket(db *gorm.DB, userID string) (int, error) {
	result := db.Delete(&BasketItemModel{}, "user_id = ?", userID)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

const (
	sqlPickedUp    = "(status = 'picked-up' OR (status = 'active' AND pickup_date IS NOT NULL))"
	sqlAwaitPickup = "(status = 'active' AND pickup_date IS NULL)"
)

// applyReservationFilter mirrors domain.CalculatedStatus in SQL.
func applyReservationFilter(query *gorm.DB, filter ReservationFilter) *gorm.DB {
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.BookID != "" {
		query = query.Where("book_id = ?", filter.BookID)
	}
	if !filter.From.IsZero() {
		query = query.Where("reservation_date >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("reservation_date <= ?", filter.To)
	}
	if !filter.ReturnedSince.IsZero() {
		query = query.Where("return_date >= ?", filter.ReturnedSince)
	}
	if filter.StoredStatus != "" {
		query = query.Where("status = ?", string(filter.StoredStatus))
	}
	if filter.AwaitingPickup {
		query = query.Where(sqlAwaitPickup)
	}
	now := filter.now()
	switch filter.Status {
	case "":
	case domain.StatusActive:
		query = query.Where(sqlAwaitPickup+" AND pickup_deadline >= ?", now)
	case domain.StatusExpired:
		query = query.Where("(status = 'expired' OR ("+sqlAwaitPickup+" AND pickup_deadline < ?))", now)
	case domain.StatusPickedUp:
		query = query.Where(sqlPickedUp+" AND (return_deadline IS NULL OR return_deadline >= ?)", now)
	case domain.StatusOverdue:
		query = query.Where(sqlPickedUp+" AND return_deadline < ?", now)
	default:
		query = query.Where("status = ?", string(filter.Status))
	}
	return query
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		Category:        b.Category,
		ISBN:            b.ISBN,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		Category:        m.Category,
		ISBN:            m.ISBN,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func reservationToModel(r domain.Reservation) ReservationModel {
	return ReservationModel{
		ID:              r.ID,
		UserID:          r.UserID,
		BookID:          r.BookID,
		Status:          string(r.Status),
		ReservationDate: r.ReservationDate,
		PickupDeadline:  r.PickupDeadline,
		PickupDate:      r.PickupDate,
		ReturnDeadline:  r.ReturnDeadline,
		ReturnDate:      r.ReturnDate,
		RenewalCount:    r.RenewalCount,
		Notes:           r.Notes,
		UpdatedAt:       r.UpdatedAt,
	}
}

func reservationFromModel(m ReservationModel) domain.Reservation {
	status, ok := domain.ParseStoredStatus(m.Status)
	if !ok {
		status = domain.ReservationStatus(m.Status)
	}
	return domain.Reservation{
		ID:              m.ID,
		UserID:          m.UserID,
		BookID:          m.BookID,
		Status:          status,
		ReservationDate: m.ReservationDate,
		PickupDeadline:  m.PickupDeadline,
		PickupDate:      m.PickupDate,
		ReturnDeadline:  m.ReturnDeadline,
		ReturnDate:      m.ReturnDate,
		RenewalCount:    m.RenewalCount,
		Notes:           m.Notes,
		UpdatedAt:       m.UpdatedAt,
	}
}

func eventToModel(ev domain.ReservationEvent) (ReservationEventModel, error) {
	var details []byte
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return ReservationEventModel{}, fmt.Errorf("marshal event details: %w", err)
		}
		details = raw
	}
	return ReservationEventModel{
		ID:            ev.ID,
		ReservationID: ev.ReservationID,
		UserID:        ev.UserID,
		BookID:        ev.BookID,
		ActorID:       ev.ActorID,
		FromStatus:    string(ev.FromStatus),
		ToStatus:      string(ev.ToStatus),
		Details:       details,
		OccurredAt:    ev.OccurredAt,
	}, nil
}

func eventFromModel(m ReservationEventModel) domain.ReservationEvent {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.ReservationEvent{
		ID:            m.ID,
		ReservationID: m.ReservationID,
		UserID:        m.UserID,
		BookID:        m.BookID,
		ActorID:       m.ActorID,
		FromStatus:    domain.ReservationStatus(m.FromStatus),
		ToStatus:      domain.ReservationStatus(m.ToStatus),
		Details:       details,
		OccurredAt:    m.OccurredAt,
	}
}
