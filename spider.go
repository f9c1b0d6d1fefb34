package ddpanel

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gwy15/ddpanel/blive"
)

const (
	pollInterval    = 180 * time.Second
	perUserInterval = time.Second
)

// UploaderData holds exactly one of the per-fetch snapshot variants. The
// externally-tagged JSON shape matches the archived uploader files.
type UploaderData struct {
	UserInfo     *blive.UserInfo     `json:"UserInfo,omitempty"`
	UploaderStat *blive.UploaderStat `json:"UploaderStat,omitempty"`
}

// UploaderSnapshot is one uploader statistics fetch, broadcast to sinks.
type UploaderSnapshot struct {
	UID      uint64       `json:"uid"`
	Username string       `json:"username"`
	Time     time.Time    `json:"time"`
	Data     UploaderData `json:"data"`
}

// point renders the snapshot as a bili-info point tagged with the username,
// or nil when neither variant is set.
func (s *UploaderSnapshot) point() *write.Point {
	tags := map[string]string{"uploader": s.Username}

	var fields map[string]interface{}
	switch {
	case s.Data.UserInfo != nil:
		fields = map[string]interface{}{
			"followers": float64(s.Data.UserInfo.Followers),
		}
	case s.Data.UploaderStat != nil:
		fields = map[string]interface{}{
			"video_views":   float64(s.Data.UploaderStat.VideoViews),
			"article_views": float64(s.Data.UploaderStat.ArticleViews),
			"likes":         float64(s.Data.UploaderStat.Likes),
		}
	default:
		return nil
	}
	return write.NewPoint("bili-info", tags, fields, s.Time)
}

// uploaderAPI is the slice of the REST client the poller exercises.
type uploaderAPI interface {
	UserInfo(ctx context.Context, uid uint64) (*blive.UserInfo, error)
	UploaderStat(ctx context.Context, uid uint64) (*blive.UploaderStat, error)
}

// UploaderPoller periodically fetches statistics for every uploader in the
// roster and publishes one snapshot per fetch.
type UploaderPoller struct {
	log    zerolog.Logger
	api    uploaderAPI
	roster *Watch[[]uint64]
	out    *Broadcast[*UploaderSnapshot]
}

// Run polls a batch immediately and then every 180 seconds, reading the
// latest roster each round. Per-user fetches are paced at one per second.
func (p *UploaderPoller) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(perUserInterval), 1)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.pollBatch(ctx, limiter)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *UploaderPoller) pollBatch(ctx context.Context, limiter *rate.Limiter) {
	uids := p.roster.Load()
	for _, uid := range uids {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		p.pollUser(ctx, uid)
	}
}

// pollUser fetches UserInfo then UploaderStat. Either may fail without
// aborting the batch; whatever succeeded is published.
func (p *UploaderPoller) pollUser(ctx context.Context, uid uint64) {
	var username string

	info, err := p.api.UserInfo(ctx, uid)
	if err != nil {
		p.log.Warn().Err(err).Uint64("uid", uid).Msg("fetch user info failed")
	} else {
		username = info.Name
		p.publish(&UploaderSnapshot{
			UID:      uid,
			Username: username,
			Time:     time.Now(),
			Data:     UploaderData{UserInfo: info},
		})
	}

	stat, err := p.api.UploaderStat(ctx, uid)
	if err != nil {
		p.log.Warn().Err(err).Uint64("uid", uid).Msg("fetch uploader stat failed")
		return
	}
	p.publish(&UploaderSnapshot{
		UID:      uid,
		Username: username,
		Time:     time.Now(),
		Data:     UploaderData{UploaderStat: stat},
	})
}

func (p *UploaderPoller) publish(snap *UploaderSnapshot) {
	if err := p.out.Send(snap); err != nil {
		p.log.Warn().Err(err).Uint64("uid", snap.UID).Msg("publish snapshot failed")
	}
}
