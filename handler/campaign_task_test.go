package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupon_system/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newCampaignFixture(now time.Time) (*memStore, *MockPromotionCache, *CampaignTaskHandler) {
	store := newMemStore()
	store.putGroupon(testGroupon())
	cache := &MockPromotionCache{}
	h := NewCampaignTaskHandler(store, cache, 10*time.Second, func() time.Time { return now })
	return store, cache, h
}

// TestPublish_WritesEventUntilEnd 测试上线时写入缓存，过期时间为活动剩余时长
func TestPublish_WritesEventUntilEnd(t *testing.T) {
	_, cache, h := newCampaignFixture(testNow)
	cache.On("SetPromotionEvent", mock.Anything, mock.MatchedBy(func(e model.PromotionEvent) bool {
		return e.GrouponId == testGrouponId && e.Price == "10.00" && e.SuccessSize == 3
	}), 72*time.Hour).Return(nil).Once()

	require.NoError(t, h.Publish(context.Background(), testGrouponId))
	cache.AssertExpectations(t)
}

// TestPublish_Skipped 测试停用或已结束的活动不写缓存
func TestPublish_Skipped(t *testing.T) {
	store, cache, h := newCampaignFixture(testNow)
	g := testGroupon()
	g.Status = model.GrouponStatusOff
	store.putGroupon(g)
	require.NoError(t, h.Publish(context.Background(), testGrouponId))

	_, cache2, ended := newCampaignFixture(testNow.Add(72 * time.Hour))
	require.NoError(t, ended.Publish(context.Background(), testGrouponId))

	require.NoError(t, h.Publish(context.Background(), 999))

	cache.AssertNotCalled(t, "SetPromotionEvent", mock.Anything, mock.Anything, mock.Anything)
	cache2.AssertNotCalled(t, "SetPromotionEvent", mock.Anything, mock.Anything, mock.Anything)
}

// TestPublish_CacheError 测试缓存写入失败时返回错误
func TestPublish_CacheError(t *testing.T) {
	_, cache, h := newCampaignFixture(testNow)
	cache.On("SetPromotionEvent", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	assert.Error(t, h.Publish(context.Background(), testGrouponId))
}

// TestExpire 测试到期后活动置为过期并写操作日志，重复触发不重复处理
func TestExpire(t *testing.T) {
	store, _, h := newCampaignFixture(testNow.Add(72*time.Hour - 5*time.Second))

	require.NoError(t, h.Expire(context.Background(), testGrouponId))
	assert.Equal(t, model.GrouponStatusExpired, store.groupon(testGrouponId).Status)
	require.Len(t, store.operLogs, 1)
	assert.Equal(t, model.OperExpire, store.operLogs[0].Operation)

	require.NoError(t, h.Expire(context.Background(), testGrouponId))
	assert.Len(t, store.operLogs, 1)
}

// TestExpire_TooEarly 测试提前超过容忍时长触发时不过期
func TestExpire_TooEarly(t *testing.T) {
	store, _, h := newCampaignFixture(testNow.Add(72*time.Hour - time.Minute))

	require.NoError(t, h.Expire(context.Background(), testGrouponId))
	assert.Equal(t, model.GrouponStatusOn, store.groupon(testGrouponId).Status)
	assert.Empty(t, store.operLogs)
}
