package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Techposts/Tasmotic/internal/cache"
	"github.com/Techposts/Tasmotic/internal/catalog"
	"github.com/Techposts/Tasmotic/internal/community"
	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/poller"
)

// Имена задач штатного набора.
const (
	JobFirmwareUpdates     = "firmware_updates"
	JobDevelopmentFirmware = "development_firmware"
	JobCacheCleanup        = "cache_cleanup"
	JobCommunityReview     = "community_review"
	JobPrecachePopular     = "precache_popular"
)

// precacheLimit — сколько популярных прошивок прогревается за один проход.
const precacheLimit = 20

// Deps — компоненты, которыми управляют задачи планировщика.
type Deps struct {
	Checker   *poller.Checker
	Catalog   *catalog.Manager
	Cache     *cache.Manager
	Community *community.Pipeline
	Logger    *slog.Logger
}

// RegisterJobs регистрирует штатный набор задач:
//
//	firmware_updates     — ежедневно 02:00, опрос всех источников
//	development_firmware — каждые 6 часов, только development-источники
//	cache_cleanup        — ежедневно 03:00, очистка кэша по порогу
//	community_review     — ежедневно 01:00, авто-ревью очереди pending
//	precache_popular     — ежедневно 05:00, прогрев популярных прошивок
func RegisterJobs(s *Scheduler, deps Deps) error {
	register := func(name string, trigger Trigger, fn JobFunc) error {
		if err := s.Register(name, trigger, fn); err != nil {
			return fmt.Errorf("регистрация задачи %s: %w", name, err)
		}
		return nil
	}

	if err := register(JobFirmwareUpdates, DailyAt(2, 0), checkSourcesJob(deps, false)); err != nil {
		return err
	}
	if err := register(JobDevelopmentFirmware, Every(6*time.Hour), checkSourcesJob(deps, true)); err != nil {
		return err
	}
	if err := register(JobCacheCleanup, DailyAt(3, 0), cacheCleanupJob(deps)); err != nil {
		return err
	}
	if err := register(JobCommunityReview, DailyAt(1, 0), communityReviewJob(deps)); err != nil {
		return err
	}
	if err := register(JobPrecachePopular, DailyAt(5, 0), precachePopularJob(deps)); err != nil {
		return err
	}
	return nil
}

// checkSourcesJob — опрос источников и слияние кандидатов с каталогом.
// devOnly ограничивает опрос development-источниками.
func checkSourcesJob(deps Deps, devOnly bool) JobFunc {
	return func(ctx context.Context) (map[string]int, error) {
		result := deps.Checker.CheckAll(ctx)

		candidates := result.Candidates
		if devOnly {
			filtered := candidates[:0]
			for _, c := range candidates {
				if c.Channel == model.ChannelDevelopment {
					filtered = append(filtered, c)
				}
			}
			candidates = filtered
		}

		added, err := deps.Catalog.Merge(ctx, candidates)
		counters := map[string]int{
			"candidates":    len(candidates),
			"added":         added,
			"source_errors": len(result.Errors),
		}
		if err != nil {
			return counters, err
		}

		// Все источники отказали — задача считается неуспешной
		if len(result.Errors) > 0 && len(result.PerSource) == 0 {
			return counters, fmt.Errorf("все источники недоступны: %v", result.Errors[0])
		}
		return counters, nil
	}
}

// cacheCleanupJob — очистка кэша по порогу заполнения.
func cacheCleanupJob(deps Deps) JobFunc {
	return func(ctx context.Context) (map[string]int, error) {
		result, err := deps.Cache.Cleanup(ctx, false)
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"removed":       result.RemovedCount,
			"removed_bytes": int(result.RemovedBytes),
			"errors":        result.Errors,
		}, nil
	}
}

// communityReviewJob — авто-ревью очереди pending.
func communityReviewJob(deps Deps) JobFunc {
	return func(ctx context.Context) (map[string]int, error) {
		summary, err := deps.Community.ReviewPending(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"total":    summary.Total,
			"approved": summary.Approved,
			"rejected": summary.Rejected,
			"pending":  summary.Pending,
		}, nil
	}
}

// precachePopularJob — прогрев кэша популярными прошивками.
// Ошибка скачивания одной прошивки не прерывает проход.
func precachePopularJob(deps Deps) JobFunc {
	return func(ctx context.Context) (map[string]int, error) {
		entries, err := deps.Catalog.List(ctx, catalog.Filter{VerifiedOnly: true})
		if err != nil {
			return nil, err
		}
		if len(entries) > precacheLimit {
			entries = entries[:precacheLimit]
		}

		cached, errors := 0, 0
		for _, fw := range entries {
			if _, ok, err := deps.Cache.GetCachedPath(ctx, fw.ID); err != nil || ok {
				continue
			}

			if _, err := deps.Cache.DownloadAndCache(ctx, fw, nil); err != nil {
				errors++
				deps.Logger.Warn("не удалось прогреть прошивку",
					slog.String("firmware_id", fw.ID),
					slog.String("name", fw.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			cached++
		}

		return map[string]int{
			"candidates": len(entries),
			"cached":     cached,
			"errors":     errors,
		}, nil
	}
}
