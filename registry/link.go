package registry

// Link 把注册结果接到发现与推送通道上：
//
//   - 实例注册成功后，Discovery 以该 serviceId 作为调用方开始拉取，Watch 开始监听该 serviceId
//   - Watch 收到推送时，Discovery 执行一次额外拉取
//
// d 与 w 可以为 nil。返回的函数取消所有订阅。
func Link(r *Registration, d *Discovery, w *Watch) (unlink func()) {
	var unsubs []func()
	if r != nil {
		project := r.cfg.Project
		unsubs = append(unsubs, r.Instance.Subscribe(func(e InstanceRegisteredEvent) {
			if !e.Success {
				return
			}
			if d != nil {
				d.UpdateMyselfServiceID(e.ServiceID)
			}
			if w != nil {
				w.StartWatch(project, e.ServiceID)
			}
		}))
	}
	if w != nil && d != nil {
		unsubs = append(unsubs, w.PullInstance.Subscribe(d.OnPullInstance))
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}
