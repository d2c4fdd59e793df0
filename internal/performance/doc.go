/*
Package performance ties the memory monitor, tiered cache, fetchers and
preloader together and keeps them tuned for the host.

A Manager classifies the device into a tier from total memory and CPU count,
then derives a Tuning: memory and secondary cache budgets, preload window,
preload concurrency, a compression floor for cached originals and whether
progressive loading is used. Optimize re-derives the tuning for a browsing
session given the number of images and their typical size:

	small  (< 1 MB)    wider window, progressive loading off
	medium (<= 5 MB)   tier defaults
	large  (<= 10 MB)  narrower window, one compression step heavier
	huge               window of one, half the concurrency, two steps heavier

Memory pressure scales the tuning down. Warning keeps three quarters of the
memory budget, Critical half with a halved window and concurrency, Urgent a
quarter with a single preload in flight and heavy compression.

	m, err := performance.New(ctx, cfg, performance.Dependencies{Pages: pages})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Start(ctx); err != nil {
		return err
	}
	m.Optimize(len(album), performance.CategorizeSize(typicalBytes))
	m.Preloader().UpdateScroll(preload.DirectionRight, velocity, page)
*/
package performance
