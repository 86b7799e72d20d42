package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// MySQL在串行化隔离下的冲突错误码
const (
	mysqlErrLockDeadlock    = 1213
	mysqlErrLockWaitTimeout = 1205
)

// classifyMySQLError 将底层MySQL错误映射到引擎错误分类：
// 死锁与锁等待超时属于串行化冲突，调用方原样重试即可；
// 已分类的引擎错误原样透传
func classifyMySQLError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ee *model.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == mysqlErrLockDeadlock || myErr.Number == mysqlErrLockWaitTimeout {
			return model.WrapError(model.ErrConflict, err, "%s遇到并发事务冲突", operation)
		}
	}
	return fmt.Errorf("%s失败: %w", operation, err)
}

// withTx 在串行化隔离级别下执行一个短事务。
// 投票写入、定格、层级推进都必须走这里，事务边界即正确性边界。
func (r *MySQLRepository) withTx(operation string, fn func(tx *sql.Tx) error) error {
	tx, err := r.masterDB.BeginTx(context.Background(), &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("%s开始事务失败: %w", operation, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return classifyMySQLError(operation, err)
	}

	if err := tx.Commit(); err != nil {
		return classifyMySQLError(operation+"提交事务", err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
