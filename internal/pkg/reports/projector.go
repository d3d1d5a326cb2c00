package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/entitlements"
)

const (
	dashboardCacheKey = "admin:dashboard:%d"
	dashboardCacheTTL = time.Minute
	topSpenderLimit   = 10
)

// UserStats summarizes one user's reports and spending.
type UserStats struct {
	ByStatus        map[models.ReportStatus]int64 `json:"by_status"`
	TotalReports    int64                         `json:"total_reports"`
	CreditsSpent    int64                         `json:"credits_spent"`
	CreditsSpent30d int64                         `json:"credits_spent_30d"`
	CreditsRefunded int64                         `json:"credits_refunded"`
}

// TypeTotals is the count and signed sum of ledger entries of one type.
type TypeTotals struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
}

// Spender is a user ranked by credits spent on reports.
type Spender struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	Spent  int64  `json:"spent"`
}

// Dashboard is the admin overview.
type Dashboard struct {
	Since              time.Time                                    `json:"since"`
	GeneratedAt        time.Time                                    `json:"generated_at"`
	TotalUsers         int64                                        `json:"total_users"`
	TotalBalance       int64                                        `json:"total_balance"`
	ReportsByStatus    map[models.ReportStatus]int64                `json:"reports_by_status"`
	TransactionsByType map[models.CreditTransactionType]TypeTotals `json:"transactions_by_type"`
	UsersByPlan        map[string]int64                             `json:"users_by_plan"`
	TopSpenders        []Spender                                    `json:"top_spenders"`
}

// AdminReport is a report with the owner's contact data.
type AdminReport struct {
	models.ReportRequest
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// ReportListing is a page of reports across all users plus global status counts.
type ReportListing struct {
	Reports  []AdminReport                 `json:"reports"`
	Total    int64                         `json:"total"`
	ByStatus map[models.ReportStatus]int64 `json:"by_status"`
}

// UserSummary is a user with balance, plan and report count.
type UserSummary struct {
	models.User
	Balance            int64  `json:"balance"`
	MonthlyCredits     int64  `json:"monthly_credits"`
	Plan               string `json:"plan"`
	SubscriptionActive bool   `json:"subscription_active"`
	APIAccess          bool   `json:"api_access"`
	ReportCount        int64  `json:"report_count"`
}

// Projector answers read-only aggregate queries. It takes no locks.
type Projector struct {
	db      *gorm.DB
	reports repository.ReportRepository
	subs    repository.SubscriptionRepository
	rdb     *redis.Client
}

// NewProjector creates a projector. With a nil Redis client the dashboard is not cached.
func NewProjector(db *gorm.DB, rdb *redis.Client) *Projector {
	return &Projector{
		db:      db,
		reports: repository.NewReportRepository(db),
		subs:    repository.NewSubscriptionRepository(db),
		rdb:     rdb,
	}
}

// UserStats returns report counts by status and the user's credit spend.
func (p *Projector) UserStats(ctx context.Context, userID uint) (*UserStats, error) {
	byStatus, err := p.reports.WithTx(p.db.WithContext(ctx)).CountByStatus(userID)
	if err != nil {
		return nil, err
	}
	stats := &UserStats{ByStatus: byStatus}
	for _, n := range byStatus {
		stats.TotalReports += n
	}

	db := p.db.WithContext(ctx)
	if stats.CreditsSpent, err = p.sumAmount(db, userID, models.TransactionReportUsage, time.Time{}); err != nil {
		return nil, err
	}
	if stats.CreditsSpent30d, err = p.sumAmount(db, userID, models.TransactionReportUsage, time.Now().AddDate(0, 0, -30)); err != nil {
		return nil, err
	}
	if stats.CreditsRefunded, err = p.sumAmount(db, userID, models.TransactionRefund, time.Time{}); err != nil {
		return nil, err
	}
	stats.CreditsSpent = -stats.CreditsSpent
	stats.CreditsSpent30d = -stats.CreditsSpent30d
	return stats, nil
}

// Reports lists reports of all users, newest first. Status counts ignore the filter.
func (p *Projector) Reports(ctx context.Context, filter repository.ReportFilter) (*ReportListing, error) {
	db := p.db.WithContext(ctx)
	repo := p.reports.WithTx(db)

	items, total, err := repo.ListAll(filter)
	if err != nil {
		return nil, err
	}
	byStatus, err := repo.CountAllByStatus()
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(items))
	for _, r := range items {
		ids = append(ids, r.UserID)
	}
	owners := map[uint]models.User{}
	if len(ids) > 0 {
		var users []models.User
		if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			owners[u.ID] = u
		}
	}

	listing := &ReportListing{
		Reports:  make([]AdminReport, 0, len(items)),
		Total:    total,
		ByStatus: byStatus,
	}
	for _, r := range items {
		owner := owners[r.UserID]
		listing.Reports = append(listing.Reports, AdminReport{ReportRequest: r, UserName: owner.Name, UserEmail: owner.Email})
	}
	return listing, nil
}

// Users lists users newest first with their balance, plan and report count.
// Users without a subscription are reported on the free plan.
func (p *Projector) Users(ctx context.Context, limit, offset int) ([]UserSummary, int64, error) {
	db := p.db.WithContext(ctx)
	users := repository.NewUserRepository(db)

	total, err := users.Count()
	if err != nil {
		return nil, 0, err
	}
	page, err := users.List(offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(page) == 0 {
		return []UserSummary{}, total, nil
	}

	ids := make([]uint, len(page))
	for i, u := range page {
		ids[i] = u.ID
	}

	var accounts []models.CreditAccount
	if err := db.Where("user_id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, 0, err
	}
	byAccount := make(map[uint]models.CreditAccount, len(accounts))
	for _, a := range accounts {
		byAccount[a.UserID] = a
	}

	var subs []models.Subscription
	if err := db.Where("user_id IN ?", ids).Find(&subs).Error; err != nil {
		return nil, 0, err
	}
	bySub := make(map[uint]models.Subscription, len(subs))
	for _, s := range subs {
		bySub[s.UserID] = s
	}

	counts, err := p.reports.WithTx(db).CountByUsers(ids)
	if err != nil {
		return nil, 0, err
	}

	out := make([]UserSummary, 0, len(page))
	for _, u := range page {
		summary := UserSummary{User: u, Plan: models.PlanFree, ReportCount: counts[u.ID]}
		if acc, ok := byAccount[u.ID]; ok {
			summary.Balance = acc.Balance
			summary.MonthlyCredits = acc.MonthlyCredits
		}
		if sub, ok := bySub[u.ID]; ok {
			summary.Plan = sub.Plan
			summary.SubscriptionActive = sub.IsActive
			summary.APIAccess = sub.HasAPIAccess()
		}
		out = append(out, summary)
	}
	return out, total, nil
}

func (p *Projector) sumAmount(db *gorm.DB, userID uint, typ models.CreditTransactionType, since time.Time) (int64, error) {
	q := db.Model(&models.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND type = ?", userID, typ)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var sum int64
	if err := q.Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}

// Dashboard returns the admin overview for activity since the given time.
// Snapshots are cached briefly per hour bucket of since.
func (p *Projector) Dashboard(ctx context.Context, since time.Time) (*Dashboard, error) {
	since = since.Truncate(time.Hour)
	key := fmt.Sprintf(dashboardCacheKey, since.Unix())

	if p.rdb != nil {
		raw, err := p.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var cached Dashboard
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warnf("[Projector] Dashboard cache read failed: %v", err)
		}
	}

	d, err := p.buildDashboard(ctx, since)
	if err != nil {
		return nil, err
	}

	if p.rdb != nil {
		if raw, err := json.Marshal(d); err == nil {
			if err := p.rdb.Set(ctx, key, raw, dashboardCacheTTL).Err(); err != nil {
				log.Warnf("[Projector] Dashboard cache write failed: %v", err)
			}
		}
	}
	return d, nil
}

func (p *Projector) buildDashboard(ctx context.Context, since time.Time) (*Dashboard, error) {
	db := p.db.WithContext(ctx)
	d := &Dashboard{
		Since:              since,
		GeneratedAt:        time.Now().UTC(),
		ReportsByStatus:    make(map[models.ReportStatus]int64, len(models.AllReportStatuses)),
		TransactionsByType: make(map[models.CreditTransactionType]TypeTotals, len(models.AllTransactionTypes)),
		TopSpenders:        []Spender{},
	}

	if err := db.Model(&models.User{}).Count(&d.TotalUsers).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CreditAccount{}).Select("COALESCE(SUM(balance), 0)").Scan(&d.TotalBalance).Error; err != nil {
		return nil, err
	}

	for _, s := range models.AllReportStatuses {
		d.ReportsByStatus[s] = 0
	}
	var statusRows []struct {
		Status models.ReportStatus
		Count  int64
	}
	if err := db.Model(&models.ReportRequest{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, r := range statusRows {
		d.ReportsByStatus[r.Status] = r.Count
	}

	for _, t := range models.AllTransactionTypes {
		d.TransactionsByType[t] = TypeTotals{}
	}
	var typeRows []struct {
		Type  models.CreditTransactionType
		Count int64
		Sum   int64
	}
	if err := db.Model(&models.CreditTransaction{}).
		Select("type, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS sum").
		Where("created_at >= ?", since).
		Group("type").
		Scan(&typeRows).Error; err != nil {
		return nil, err
	}
	for _, r := range typeRows {
		d.TransactionsByType[r.Type] = TypeTotals{Count: r.Count, Sum: r.Sum}
	}

	byPlan, err := p.subs.WithTx(db).CountByPlan()
	if err != nil {
		return nil, err
	}
	d.UsersByPlan = make(map[string]int64, len(entitlements.Plans()))
	for _, plan := range entitlements.Plans() {
		d.UsersByPlan[string(plan)] = byPlan[string(plan)]
	}
	var subscribed int64
	for _, n := range byPlan {
		subscribed += n
	}
	// users without a subscription row are on the free plan
	d.UsersByPlan[models.PlanFree] += max(d.TotalUsers-subscribed, 0)

	if err := db.Table("credit_transactions AS ct").
		Select("ct.user_id AS user_id, u.email AS email, COALESCE(SUM(-ct.amount), 0) AS spent").
		Joins("JOIN users u ON u.id = ct.user_id").
		Where("ct.type = ? AND ct.created_at >= ?", models.TransactionReportUsage, since).
		Group("ct.user_id, u.email").
		Order("spent DESC").
		Limit(topSpenderLimit).
		Scan(&d.TopSpenders).Error; err != nil {
		return nil, err
	}
	return d, nil
}
