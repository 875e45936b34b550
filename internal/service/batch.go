package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/lock"
)

// BatchResult 批量执行结果，与输入一一对应
// Errors[i] 非空表示第 i 个请求参数非法，此时 Results[i] 为 nil。
type BatchResult struct {
	Results []*domain.OperationResult `json:"results"`
	Errors  []error                   `json:"-"`
}

// Failed 返回非法请求的数量
func (b *BatchResult) Failed() int {
	n := 0
	for _, err := range b.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// BatchExecute 批量执行同一种操作
// 请求按商品锁名哈希到固定数量的通道：同一商品的请求在同一通道内顺序执行，
// 不同通道并行，并发度不超过通道数，避免对单个商品发起无界并发争抢。
// ctx 取消后，尚未执行的请求得到 CONCURRENT_UPDATE_FAILED 结果，未做任何变更。
func (e *InventoryEngine) BatchExecute(ctx context.Context, opType domain.OperationType, reqs []*domain.StockOperationRequest) (*BatchResult, error) {
	op, ok := operations[opType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opType)
	}

	res := &BatchResult{
		Results: make([]*domain.OperationResult, len(reqs)),
		Errors:  make([]error, len(reqs)),
	}

	lanes := e.config.BatchLanes
	if lanes <= 0 {
		lanes = 1
	}
	buckets := make([][]int, lanes)
	for i, req := range reqs {
		if err := validateRequest(req); err != nil {
			res.Errors[i] = err
			continue
		}
		lane := laneOf(req.ProductID, lanes)
		buckets[lane] = append(buckets[lane], i)
	}

	var g errgroup.Group
	g.SetLimit(lanes)
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		bucket := bucket
		g.Go(func() error {
			for _, idx := range bucket {
				req := reqs[idx]
				if ctx.Err() != nil {
					res.Results[idx] = e.finish(domain.Failure(op.opType, req, domain.ErrCodeConcurrentUpdateFailed,
						"batch cancelled before the operation ran"), time.Now(), 0)
					continue
				}
				res.Results[idx], res.Errors[idx] = e.execute(ctx, op, req)
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

func laneOf(productID int64, lanes int) int {
	return int(xxhash.Sum64String(lock.ProductLockKey(productID)) % uint64(lanes))
}
