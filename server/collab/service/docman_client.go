package service

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	commondocman "collab_server/server/common/infra/docman"
)

const accessCacheTTL = 30 * time.Second

// DocmanClient consumes the external document service: access checks
// and the user directory. Access decisions are cached briefly so a
// chatty connection does not hammer docman with identical checks.
type DocmanClient struct {
	client      *commondocman.Client
	accessCache *ttlcache.Cache[string, bool]
	nameCache   *ttlcache.Cache[string, string]
}

const docmanBasePath = commondocman.BasePath

func NewDocmanClient(endpoints ...string) *DocmanClient {
	accessCache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](accessCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	nameCache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](5 * time.Minute),
	)
	go accessCache.Start()
	go nameCache.Start()
	return &DocmanClient{
		client:      commondocman.NewClientWithEndpoints(endpoints...),
		accessCache: accessCache,
		nameCache:   nameCache,
	}
}

func (c *DocmanClient) CanRead(ctx context.Context, documentID, userID string) (bool, error) {
	return c.checkAccess(ctx, "read", documentID, userID)
}

func (c *DocmanClient) CanWrite(ctx context.Context, documentID, userID string) (bool, error) {
	return c.checkAccess(ctx, "write", documentID, userID)
}

func (c *DocmanClient) checkAccess(ctx context.Context, level, documentID, userID string) (bool, error) {
	cacheKey := level + ":" + documentID + ":" + userID
	if item := c.accessCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	payload := map[string]any{"document_id": documentID, "user_id": userID, "level": level}
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.client.Post(ctx, docmanBasePath+"/documents/access/check", payload, &resp); err != nil {
		return false, err
	}
	c.accessCache.Set(cacheKey, resp.OK, ttlcache.DefaultTTL)
	return resp.OK, nil
}

func (c *DocmanClient) DisplayName(ctx context.Context, userID string) (string, error) {
	if item := c.nameCache.Get(userID); item != nil {
		return item.Value(), nil
	}

	payload := map[string]any{"user_id": userID}
	var resp struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.client.Post(ctx, docmanBasePath+"/users/display-name", payload, &resp); err != nil {
		return "", err
	}
	c.nameCache.Set(userID, resp.DisplayName, ttlcache.DefaultTTL)
	return resp.DisplayName, nil
}

func (c *DocmanClient) Close() {
	c.accessCache.Stop()
	c.nameCache.Stop()
}
