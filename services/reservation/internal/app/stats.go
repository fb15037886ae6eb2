package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"libreserve/pkg/domain"
	"libreserve/pkg/store"
)

type QuotaInfo struct {
	Max       int `json:"max"`
	Remaining int `json:"remaining"`
}

type StatusCounts struct {
	Active    int `json:"active"`
	PickedUp  int `json:"pickedUp"`
	Returned  int `json:"returned"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Overdue   int `json:"overdue"`
}

const favoriteCategoriesLimit = 5

// CategoryCount is a category the user reserves from, with its share of all
// the user's reservations in percent.
type CategoryCount struct {
	Category   string  `json:"category"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// UserStats counts one user's reservations by calculated status.
type UserStats struct {
	Total              int             `json:"total"`
	CurrentActive      int             `json:"currentActive"`
	Quota              QuotaInfo       `json:"quota"`
	ByStatus           StatusCounts    `json:"byStatus"`
	FavoriteCategories []CategoryCount `json:"favoriteCategories"`
}

// GlobalStats is the librarian dashboard.
type GlobalStats struct {
	Active              int                 `json:"active"`
	PickedUp            int                 `json:"pickedUp"`
	Overdue             int                 `json:"overdue"`
	ExpiredPendingSweep int                 `json:"expiredPendingSweep"`
	ReturnedToday       int                 `json:"returnedToday"`
	Cancelled           int                 `json:"cancelled"`
	Catalog             store.CatalogTotals `json:"catalog"`
	GeneratedAt         time.Time           `json:"generatedAt"`
}

func (a *App) count(ctx context.Context, filter store.ReservationFilter) (int, error) {
	n, err := a.store.CountReservations(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return n, nil
}

// UserStats computes the statistics block shown next to a user's reservations.
func (a *App) UserStats(ctx context.Context, userID string) (UserStats, error) {
	now := a.clock()
	base := store.ReservationFilter{UserID: userID, Now: now}
	var stats UserStats
	var err error
	counts := []struct {
		status domain.ReservationStatus
		dst    *int
	}{
		{domain.StatusActive, &stats.ByStatus.Active},
		{domain.StatusPickedUp, &stats.ByStatus.PickedUp},
		{domain.StatusReturned, &stats.ByStatus.Returned},
		{domain.StatusCancelled, &stats.ByStatus.Cancelled},
		{domain.StatusExpired, &stats.ByStatus.Expired},
		{domain.StatusOverdue, &stats.ByStatus.Overdue},
	}
	for _, c := range counts {
		f := base
		f.Status = c.status
		if *c.dst, err = a.count(ctx, f); err != nil {
			return UserStats{}, err
		}
	}
	if stats.Total, err = a.count(ctx, base); err != nil {
		return UserStats{}, err
	}
	held := base
	held.AwaitingPickup = true
	if stats.CurrentActive, err = a.count(ctx, held); err != nil {
		return UserStats{}, err
	}
	stats.Quota = QuotaInfo{Max: a.quota, Remaining: max(a.quota-stats.CurrentActive, 0)}

	categories, err := a.store.CategoryCounts(ctx, userID, favoriteCategoriesLimit)
	if err != nil {
		return UserStats{}, fmt.Errorf("category counts: %w", err)
	}
	total := max(stats.Total, 1)
	stats.FavoriteCategories = make([]CategoryCount, 0, len(categories))
	for _, c := range categories {
		stats.FavoriteCategories = append(stats.FavoriteCategories, CategoryCount{
			Category:   c.Category,
			Count:      c.Count,
			Percentage: math.Round(float64(c.Count)*1000/float64(total)) / 10,
		})
	}
	return stats, nil
}

// GlobalStats summarizes all reservations and the ledger.
func (a *App) GlobalStats(ctx context.Context, actor domain.Identity) (GlobalStats, error) {
	if !actor.IsAdmin() {
		return GlobalStats{}, ErrForbidden
	}
	now := a.clock()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats := GlobalStats{GeneratedAt: now}
	var (
		expiredAll    int
		expiredStored int
		err           error
	)
	queries := []struct {
		filter store.ReservationFilter
		dst    *int
	}{
		{store.ReservationFilter{Status: domain.StatusActive, Now: now}, &stats.Active},
		{store.ReservationFilter{Status: domain.StatusPickedUp, Now: now}, &stats.PickedUp},
		{store.ReservationFilter{Status: domain.StatusOverdue, Now: now}, &stats.Overdue},
		{store.ReservationFilter{Status: domain.StatusCancelled, Now: now}, &stats.Cancelled},
		{store.ReservationFilter{StoredStatus: domain.StatusReturned, ReturnedSince: startOfDay, Now: now}, &stats.ReturnedToday},
		{store.ReservationFilter{Status: domain.StatusExpired, Now: now}, &expiredAll},
		{store.ReservationFilter{StoredStatus: domain.StatusExpired, Now: now}, &expiredStored},
	}
	for _, q := range queries {
		if *q.dst, err = a.count(ctx, q.filter); err != nil {
			return GlobalStats{}, err
		}
	}
	stats.ExpiredPendingSweep = expiredAll - expiredStored
	if stats.Catalog, err = a.store.CatalogTotals(ctx); err != nil {
		return GlobalStats{}, fmt.Errorf("catalog totals: %w", err)
	}
	return stats, nil
}
