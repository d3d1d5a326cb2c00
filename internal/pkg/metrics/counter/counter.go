package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const reportDownloadsKey = "report:counters:downloads"

// AddReportDownload increments the pending download counter for a report in Redis
func AddReportDownload(ctx context.Context, rdb *redis.Client, reportID uint) error {
	field := strconv.FormatUint(uint64(reportID), 10)
	return rdb.HIncrBy(ctx, reportDownloadsKey, field, 1).Err()
}

// PendingReportDownloads returns the not yet flushed download count of a report
func PendingReportDownloads(ctx context.Context, rdb *redis.Client, reportID uint) (int64, error) {
	field := strconv.FormatUint(uint64(reportID), 10)
	n, err := rdb.HGet(ctx, reportDownloadsKey, field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// FlushAll writes all buffered counters to the database
func FlushAll(ctx context.Context, rdb *redis.Client, db *gorm.DB) error {
	return flushHashToTable(ctx, rdb, db, reportDownloadsKey, "report_requests", "download_count")
}

// flushHashToTable drains a Redis hash and applies the increments in one batched UPDATE.
// RENAME to a temporary key keeps increments that arrive during the flush.
func flushHashToTable(ctx context.Context, rdb *redis.Client, db *gorm.DB, redisKey, table, column string) error {
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Rename(ctx, redisKey, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	type pair struct {
		id  uint64
		inc int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{id: id, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })

	// UPDATE <table> SET <column> = <column> + CASE id WHEN ? THEN ? ... END WHERE id IN (...)
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("UPDATE ")
	builder.WriteString(table)
	builder.WriteString(" SET ")
	builder.WriteString(column)
	builder.WriteString(" = ")
	builder.WriteString(column)
	builder.WriteString(" + CASE id")
	for _, p := range pairs {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, p.id, p.inc)
	}
	builder.WriteString(" END WHERE id IN (")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, p.id)
	}
	builder.WriteString(")")

	return db.WithContext(ctx).Exec(builder.String(), args...).Error
}
