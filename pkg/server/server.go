package server

import "context"

// Server defines a generic runnable service.
type Server interface {
	Run() error
	Shutdown(ctx context.Context) error
}

type Services []Server

func (svs *Services) Add(services ...Server) *Services {
	for _, s := range services {
		if s != nil {
			*svs = append(*svs, s)
		}
	}
	return svs
}

func (svs *Services) AddIf(cond bool, services ...Server) *Services {
	if cond {
		svs.Add(services...)
	}
	return svs
}

func (svs *Services) Start(onError func(err error)) {
	for _, s := range *svs {
		s := s
		go func() {
			if err := s.Run(); err != nil && onError != nil {
				onError(err)
			}
		}()
	}
}

func (svs *Services) Shutdown(ctx context.Context) (err error) {
	for _, s := range *svs {
		if e := s.Shutdown(ctx); e != nil {
			err = e
		}
	}
	return err
}
