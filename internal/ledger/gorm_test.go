package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupMySQL 启动一个 MySQL 容器并迁移账本表，Docker 不可用时跳过
func setupMySQL(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL ledger tests in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "ledger_test",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)
	dsn := fmt.Sprintf("root:test@tcp(%s:%s)/ledger_test?charset=utf8mb4&parseTime=True&loc=UTC", host, port.Port())

	// 端口监听后服务端可能还在初始化
	var db *gorm.DB
	require.Eventually(t, func() bool {
		db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return false
		}
		sqlDB, err := db.DB()
		return err == nil && sqlDB.PingContext(ctx) == nil
	}, time.Minute, time.Second)

	require.NoError(t, db.AutoMigrate(&models.UploadSession{}, &models.ChunkRecord{}))
	return db
}

func TestGormLedger(t *testing.T) {
	db := setupMySQL(t)
	runLedgerContract(t, func(t *testing.T, opts ...Option) Ledger {
		require.NoError(t, db.Exec("DELETE FROM "+models.ChunkRecord{}.TableName()).Error)
		require.NoError(t, db.Exec("DELETE FROM "+models.UploadSession{}.TableName()).Error)
		return NewGormLedger(db, repositories.NewTransactionManager(db), opts...)
	})
}
