package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxReleases — глубина просмотра списка релизов за один опрос.
const maxReleases = 10

// githubRelease — релиз из GitHub Releases API (нужные поля).
type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Body        string        `json:"body"`
	Assets      []githubAsset `json:"assets"`
}

// githubAsset — файл, приложенный к релизу.
type githubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHubPoller — опрос GitHub Releases API.
// Просматривает последние релизы, пропускает draft и prerelease,
// берёт только .bin-вложения.
type GitHubPoller struct {
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// NewGitHubPoller создаёт поллер GitHub Releases.
// token — опциональный персональный токен для заголовка Authorization.
func NewGitHubPoller(httpClient *http.Client, token string, logger *slog.Logger) *GitHubPoller {
	return &GitHubPoller{
		httpClient: httpClient,
		token:      token,
		logger:     logger.With(slog.String("component", "github_poller")),
	}
}

// Check опрашивает источник через GitHub Releases API.
func (p *GitHubPoller) Check(ctx context.Context, cfg SourceConfig) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса к GitHub API: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "Tasmotic/1.0")
	if p.token != "" {
		req.Header.Set("Authorization", "token "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос к GitHub API %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Тело читаем и отбрасываем, чтобы соединение вернулось в пул
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API вернул статус %d", resp.StatusCode)
	}

	var releases []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("разбор ответа GitHub API: %w", err)
	}

	if len(releases) > maxReleases {
		releases = releases[:maxReleases]
	}

	var candidates []Candidate
	for _, release := range releases {
		if release.Draft || release.Prerelease {
			continue
		}

		for _, asset := range release.Assets {
			if !strings.HasSuffix(asset.Name, ".bin") {
				continue
			}

			cls := Classify(asset.Name)
			candidates = append(candidates, Candidate{
				Name:          asset.Name,
				Version:       release.TagName,
				ChipType:      cls.ChipType,
				Variant:       cls.Variant,
				Channel:       cfg.Channel,
				Source:        cfg.Name,
				DownloadURL:   asset.BrowserDownloadURL,
				Size:          asset.Size,
				PublishedAt:   release.PublishedAt,
				Changelog:     release.Body,
				Features:      cls.Features,
				Compatibility: cls.Compatibility,
			})
		}
	}

	p.logger.Debug("релизы обработаны",
		slog.String("source", cfg.Name),
		slog.Int("releases", len(releases)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}
