// Package avatar keeps a local copy of each contact's profile picture.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/gabriel-vasile/mimetype"
)

const DefaultPlaceholder = "nopicture.png"

var errEmptyImage = errors.New("empty image body")

// ChannelClient asks the messaging channel for a contact's current picture URL.
type ChannelClient interface {
	ProfilePictureURL(ctx context.Context, remoteAddress string) (string, error)
}

type FileStore interface {
	Exists(tenantID, filename string) bool
	Save(tenantID, filename string, data []byte) error
}

type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error)
}

type Options struct {
	DownloadTimeout time.Duration
	Placeholder     string
}

type Acquirer struct {
	logger     ectologger.Logger
	files      FileStore
	downloader Downloader
	options    Options
	now        func() time.Time
}

func NewAcquirer(logger ectologger.Logger, files FileStore, downloader Downloader, options Options) *Acquirer {
	if options.DownloadTimeout <= 0 {
		options.DownloadTimeout = 5 * time.Second
	}
	if options.Placeholder == "" {
		options.Placeholder = DefaultPlaceholder
	}
	return &Acquirer{
		logger:     logger,
		files:      files,
		downloader: downloader,
		options:    options,
		now:        time.Now,
	}
}

// NeedsRefresh reports whether the cached image must be downloaded again.
func (a *Acquirer) NeedsRefresh(contact models.Contact, remoteURL string) bool {
	return contact.ProfileImage == "" ||
		!a.files.Exists(contact.TenantID, contact.ProfileImage) ||
		remoteURL == "" ||
		contact.ProfilePicURL != remoteURL
}

// EnsureLocalImage returns the filename of the contact's cached picture,
// downloading a fresh one when needed. Any failure yields the placeholder.
// contact.ProfilePicURL must hold the last URL that was cached. client may be nil.
func (a *Acquirer) EnsureLocalImage(ctx context.Context, contact models.Contact, remoteURL string, client ChannelClient) string {
	ctx, span := tracing.StartSpan(ctx, "avatar.Acquirer.EnsureLocalImage")
	defer span.End()

	if !a.NeedsRefresh(contact, remoteURL) {
		metrics.AvatarResultsTotal.WithLabelValues("cached").Inc()
		return contact.ProfileImage
	}

	log := a.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  contact.TenantID,
		"contact_id": contact.ID,
	})

	filename, err := a.acquire(ctx, contact, remoteURL, client)
	if err != nil {
		metrics.AvatarResultsTotal.WithLabelValues("placeholder").Inc()
		log.WithError(err).Warn("Failed to acquire profile image, using placeholder")
		return a.options.Placeholder
	}

	metrics.AvatarResultsTotal.WithLabelValues("downloaded").Inc()
	log.WithField("filename", filename).Debug("Stored profile image")
	return filename
}

func (a *Acquirer) acquire(ctx context.Context, contact models.Contact, remoteURL string, client ChannelClient) (string, error) {
	url := remoteURL
	if client != nil {
		fresh, err := client.ProfilePictureURL(ctx, contact.RemoteAddress())
		if err != nil {
			return "", fmt.Errorf("channel lookup failed: %w", err)
		}
		url = fresh
	}
	if url == "" {
		return "", errors.New("no profile picture url")
	}

	ctx, cancel := context.WithTimeout(ctx, a.options.DownloadTimeout)
	defer cancel()

	resp, err := a.downloader.Get(ctx, url, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return "", errEmptyImage
	}

	detected := mimetype.Detect(resp.Body)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", fmt.Errorf("downloaded body is %s, not an image", detected.String())
	}

	filename := strconv.FormatInt(a.now().UnixMilli(), 10) + detected.Extension()
	if err := a.files.Save(contact.TenantID, filename, resp.Body); err != nil {
		return "", err
	}
	return filename, nil
}
