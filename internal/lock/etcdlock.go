package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// 锁键统一挂在引擎自己的命名空间下，避免与共享etcd集群里的其他键冲突
const etcdKeyPrefix = "/deliberate/locks"

// EtcdLock 基于etcd租约的分布式锁，用于扫描器选主
type EtcdLock struct {
	client     *clientv3.Client
	sessionTTL time.Duration
	mu         sync.Mutex            // 保护leases的互斥锁
	leases     map[string]*leaseHold // 当前持有的租约锁
}

type leaseHold struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock() (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %v", err)
	}

	return &EtcdLock{
		client:     cli,
		sessionTTL: config.AppConfig.ETCD.SessionTTL,
		leases:     make(map[string]*leaseHold),
	}, nil
}

func (el *EtcdLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.leases[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := fmt.Sprintf("%s/%s", etcdKeyPrefix, lockName)
	ttlSeconds := int64(el.sessionTTL / time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lease := clientv3.NewLease(el.client)
	grantResp, err := lease.Grant(ctx, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("创建选主租约失败: %v", err)
	}

	// 键不存在时才写入，写入失败说明别的实例在位
	txn := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, time.Now().Format(time.RFC3339), clientv3.WithLease(grantResp.ID))).
		Else()

	txnResp, err := txn.Commit()
	if err != nil {
		lease.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("选主事务执行失败: %v", err)
	}

	if !txnResp.Succeeded {
		lease.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, lockName, grantResp.ID)

	el.leases[lockName] = &leaseHold{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}

	return true, nil
}

func (el *EtcdLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	hold, ok := el.leases[lockName]
	if !ok {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := clientv3.NewLease(el.client).KeepAliveOnce(ctx, hold.leaseID)
	if err != nil {
		if err == rpctypes.ErrLeaseNotFound {
			// 租约已过期，在位身份已经丢失
			hold.cancel()
			delete(el.leases, lockName)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %v", err)
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.leases {
		el.releaseLock(lockName)
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// 后台按半个租约周期续约，续约失败视为丢失在位身份
func (el *EtcdLock) keepAlive(ctx context.Context, lockName string, leaseID clientv3.LeaseID) {
	lease := clientv3.NewLease(el.client)
	ticker := time.NewTicker(el.sessionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := lease.KeepAliveOnce(ctx, leaseID); err != nil {
				log.Printf("锁 %s 续约失败，放弃在位身份: %v", lockName, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) releaseLock(lockName string) error {
	hold, ok := el.leases[lockName]
	if !ok {
		return nil
	}

	hold.cancel()

	if _, err := el.client.Delete(context.Background(), hold.key); err != nil {
		return fmt.Errorf("删除锁键失败: %v", err)
	}

	if _, err := clientv3.NewLease(el.client).Revoke(context.Background(), hold.leaseID); err != nil {
		return fmt.Errorf("释放选主租约失败: %v", err)
	}

	delete(el.leases, lockName)
	return nil
}
