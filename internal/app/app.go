// Package app собирает сервис пакетных заданий: хранилище, runner, HTTP API и retention.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/health"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/httpapi"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/metrics"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/service/retention"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или ошибки HTTP-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	rt, err := OpenRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	drained := true
	defer func() { releaseRuntime(rt, drained, logger) }()

	jobMetrics := metrics.NewJobMetrics()
	runner := rt.NewShipRunner(cfg, jobMetrics)

	healthHandler := health.NewHandler(version.GetVersion())
	rt.RegisterHealth(healthHandler)

	// фоновые запуски живут до остановки сервиса, а не до конца HTTP-запроса
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	router := httpapi.NewRouter(httpapi.Deps{
		Store:       rt.Progress,
		Starter:     runner,
		Orders:      rt.Orders,
		Health:      healthHandler,
		BaseContext: runCtx,
		Logger:      logger.WithField("layer", "http"),
	})

	worker := retention.NewWorker(rt.Progress,
		retention.WithLogger(logger.WithField("component", "retention-worker")),
		retention.WithMetrics(jobMetrics),
		retention.WithInterval(cfg.RetentionInterval),
		retention.WithTTL(cfg.RetentionTTL),
		retention.WithBatchSize(cfg.RetentionBatchSize),
	)
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx)
	}()

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		stopWorker()
		<-workerDone
		return err
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP сервер слушает %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	healthHandler.SetDraining(true)
	shutdownHTTP(srv, cfg.ShutdownTimeout, logger)
	stopWorker()
	<-workerDone

	// текущие запуски останавливаются между элементами и фиксируют статус canceled
	cancelRuns()
	drained = waitRuns(runner.Wait, cfg.ShutdownTimeout, logger)

	return runErr
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// waitRuns ждёт фоновые запуски не дольше timeout и сообщает, завершились ли они.
func waitRuns(wait func(), timeout time.Duration, logger *log.Entry) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("фоновые запуски не завершились за отведённое время")
		return false
	}
}

// releaseRuntime закрывает хранилища, только если фоновые запуски завершились:
// иначе они продолжают писать checkpoint-ы в открытое хранилище до выхода процесса.
func releaseRuntime(rt *Runtime, drained bool, logger *log.Entry) {
	if !drained {
		logger.Warn("хранилище не закрывается: фоновые запуски ещё пишут прогресс")
		return
	}
	rt.Close()
}
