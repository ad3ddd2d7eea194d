package publish

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
)

// YouTube publishes video jobs through the YouTube Data API. A thin wrapper:
// token refresh is the oauth2 transport's job, and provider errors pass
// through verbatim for the classifier.
type YouTube struct {
	cfg     config.Config
	fetcher MediaFetcher
}

// NewYouTube builds the publisher.
func NewYouTube(cfg config.Config, fetcher MediaFetcher) *YouTube {
	return &YouTube{cfg: cfg, fetcher: fetcher}
}

// Publish uploads the job's media and optional thumbnail for the account.
func (y *YouTube) Publish(ctx context.Context, account models.Account, job models.Job) (Result, error) {
	svc, err := y.service(ctx, account)
	if err != nil {
		return Result{}, err
	}

	media, err := y.fetcher.Fetch(ctx, job.MediaPath)
	if err != nil {
		return Result{}, err
	}
	defer media.Close()

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       metaString(job.Metadata, "title", job.ID),
			Description: metaString(job.Metadata, "description", ""),
			CategoryId:  metaString(job.Metadata, "category", "22"),
			Tags:        metaStrings(job.Metadata, "tags"),
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: metaString(job.Metadata, "privacy", "private"),
		},
	}

	resp, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(media).Do()
	if err != nil {
		return Result{}, fmt.Errorf("upload video: %w", err)
	}

	if thumbPath := metaString(job.Metadata, "thumbnail", ""); thumbPath != "" {
		if err := y.setThumbnail(ctx, svc, resp.Id, thumbPath); err != nil {
			// Video is live; a bad thumbnail is not worth failing the job.
			return Result{ExternalID: resp.Id}, nil
		}
	}

	return Result{ExternalID: resp.Id}, nil
}

func (y *YouTube) service(ctx context.Context, account models.Account) (*youtube.Service, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
		Scopes:       y.cfg.OAuthScopes,
		Endpoint:     google.Endpoint,
	}
	if y.cfg.OAuthTokenURL != "" {
		oauthCfg.Endpoint = oauth2.Endpoint{AuthURL: y.cfg.OAuthAuthURL, TokenURL: y.cfg.OAuthTokenURL}
	}

	token := &oauth2.Token{
		AccessToken: account.AccessToken,
		TokenType:   "Bearer",
		Expiry:      account.TokenExpiry,
	}
	if account.RefreshToken != nil {
		token.RefreshToken = *account.RefreshToken
	}
	if token.Expiry.IsZero() {
		token.Expiry = time.Now().Add(-time.Minute)
	}

	svc, err := youtube.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

func (y *YouTube) setThumbnail(ctx context.Context, svc *youtube.Service, videoID, thumbPath string) error {
	raw, err := y.fetcher.Fetch(ctx, thumbPath)
	if err != nil {
		return err
	}
	defer raw.Close()

	jpg, err := PrepareThumbnail(raw, y.cfg.ThumbnailWidth)
	if err != nil {
		return err
	}
	_, err = svc.Thumbnails.Set(videoID).Media(bytes.NewReader(jpg)).Do()
	return err
}

func metaString(meta map[string]any, key, def string) string {
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return def
}

func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
