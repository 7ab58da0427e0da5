package etcdstore

import (
	"context"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/xerrors"
)

// Watch 监听所有实例 key 的变化，每批事件调用一次 onChange。
// 断线后从上次处理的 revision 继续监听；revision 被压缩时重新同步并补发一次 onChange。
// 监听在 ctx 取消或 Close 时结束。
func (s *Store) Watch(ctx context.Context, onChange func()) {
	if onChange == nil {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	prefix := s.cfg.Prefix + "/instances/"

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-s.ctx.Done():
				cancel()
			case <-watchCtx.Done():
			}
		}()

		var lastRev int64
		for {
			opts := []clientv3.OpOption{clientv3.WithPrefix()}
			if lastRev > 0 {
				opts = append(opts, clientv3.WithRev(lastRev+1))
			}
			watchCh := s.client.Watch(watchCtx, prefix, opts...)
			s.logger.Debug("watch started", clog.Int64("from_revision", lastRev+1))

		inner:
			for {
				select {
				case <-watchCtx.Done():
					s.logger.Debug("watch stopped by context")
					return
				case wresp, ok := <-watchCh:
					if !ok {
						s.logger.Warn("watch channel closed, will retry",
							clog.Duration("retry_after", s.cfg.RetryInterval))
						break inner
					}
					if err := wresp.Err(); err != nil {
						if xerrors.Is(err, rpctypes.ErrCompacted) {
							s.logger.Warn("watch revision compacted, resyncing")
							resp, err := s.client.Get(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
							if err != nil {
								s.logger.Error("failed to resync after compaction", clog.Error(err))
							} else {
								lastRev = resp.Header.Revision
								onChange()
							}
							break inner
						}
						s.logger.Error("watch error, will retry",
							clog.Error(err),
							clog.Duration("retry_after", s.cfg.RetryInterval))
						break inner
					}
					if len(wresp.Events) == 0 {
						continue
					}
					for _, ev := range wresp.Events {
						if ev.Kv.ModRevision > lastRev {
							lastRev = ev.Kv.ModRevision
						}
					}
					onChange()
				}
			}

			select {
			case <-watchCtx.Done():
				return
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}()
}
