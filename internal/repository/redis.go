package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

const (
	// Redis键前缀
	CellStateKey       = "cell:state:"
	VisibleCommentsKey = "cell:comments:"
	CommentViewsKey    = "comment:views:"
	DeliberationViews  = "deliberation:views:"
	SweepMarkKey       = "sweep:mark:"

	// Lua脚本：评论浏览计数与审议总浏览计数一起原子递增。
	// 浏览计数是发后即忘的副作用，不参与正确性
	IncrCommentViewsScript = `
		local views = redis.call('INCR', KEYS[1])
		redis.call('INCR', KEYS[2])
		return views
	`
)

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	// 创建Redis客户端（普通客户端，用于缓存）
	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, IncrCommentViewsScript).Result()
	if err != nil {
		return fmt.Errorf("加载浏览计数脚本失败: %w", err)
	}
	r.scriptHashes["incrCommentViews"] = sha1

	return nil
}

// GetCellState 从缓存获取小组状态
func (r *RedisRepository) GetCellState(cellID string) (*model.CellState, bool, error) {
	key := CellStateKey + cellID
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取小组状态缓存失败: %w", err)
	}

	var state model.CellState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, false, fmt.Errorf("解析小组状态缓存失败: %w", err)
	}

	return &state, true, nil
}

// SetCellState 写入小组状态缓存，按配置的新鲜度窗口过期
func (r *RedisRepository) SetCellState(state *model.CellState) error {
	key := CellStateKey + state.Cell.ID
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化小组状态失败: %w", err)
	}

	if err := r.client.Set(r.ctx, key, data, config.AppConfig.Redis.CellStateTTL).Err(); err != nil {
		return fmt.Errorf("设置小组状态缓存失败: %w", err)
	}
	return nil
}

// DeleteCellState 删除小组状态缓存
func (r *RedisRepository) DeleteCellState(cellID string) error {
	key := CellStateKey + cellID
	if err := r.client.Del(r.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除小组状态缓存失败: %w", err)
	}
	return nil
}

// GetVisibleComments 从缓存获取小组可见评论
func (r *RedisRepository) GetVisibleComments(cellID string) (*model.VisibleComments, bool, error) {
	key := VisibleCommentsKey + cellID
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取可见评论缓存失败: %w", err)
	}

	var vc model.VisibleComments
	if err := json.Unmarshal([]byte(data), &vc); err != nil {
		return nil, false, fmt.Errorf("解析可见评论缓存失败: %w", err)
	}

	return &vc, true, nil
}

// SetVisibleComments 写入小组可见评论缓存
func (r *RedisRepository) SetVisibleComments(cellID string, vc *model.VisibleComments) error {
	key := VisibleCommentsKey + cellID
	data, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("序列化可见评论失败: %w", err)
	}

	if err := r.client.Set(r.ctx, key, data, config.AppConfig.Redis.VisibleCommentsTTL).Err(); err != nil {
		return fmt.Errorf("设置可见评论缓存失败: %w", err)
	}
	return nil
}

// DeleteVisibleComments 删除小组可见评论缓存
func (r *RedisRepository) DeleteVisibleComments(cellID string) error {
	key := VisibleCommentsKey + cellID
	if err := r.client.Del(r.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除可见评论缓存失败: %w", err)
	}
	return nil
}

// TryMarkSweep 扫描节流标记：同一个作用域在间隔内只放行一次扫描。
// 只影响活性（少做无谓的扫描），正确性从不依赖它
func (r *RedisRepository) TryMarkSweep(scope string, interval time.Duration) (bool, error) {
	key := SweepMarkKey + scope
	ok, err := r.client.SetNX(r.ctx, key, time.Now().Format(time.RFC3339), interval).Result()
	if err != nil {
		return false, fmt.Errorf("设置扫描节流标记失败: %w", err)
	}
	return ok, nil
}

// IncrCommentViews 使用预加载的Lua脚本递增评论浏览计数，
// 同时累加审议总浏览量，保证两个计数原子一致
func (r *RedisRepository) IncrCommentViews(commentID, deliberationID string) (int64, error) {
	keys := []string{CommentViewsKey + commentID, DeliberationViews + deliberationID}

	sha1, ok := r.scriptHashes["incrCommentViews"]
	if !ok {
		return 0, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(r.ctx, sha1, keys).Result()
	if err != nil {
		// 如果脚本不存在，重新加载并再次尝试
		if err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
			sha1, err = r.client.ScriptLoad(r.ctx, IncrCommentViewsScript).Result()
			if err != nil {
				return 0, fmt.Errorf("重新加载浏览计数脚本失败: %w", err)
			}
			r.scriptHashes["incrCommentViews"] = sha1

			result, err = r.client.EvalSha(r.ctx, sha1, keys).Result()
			if err != nil {
				return 0, fmt.Errorf("执行浏览计数脚本失败: %w", err)
			}
		} else {
			return 0, fmt.Errorf("执行浏览计数脚本失败: %w", err)
		}
	}

	views, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误")
	}
	return views, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
