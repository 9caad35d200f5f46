package worker

type Worker struct {
	id         int
	dispatcher *Dispatcher
	jobChannel chan Job
}

func newWorker(id int, d *Dispatcher) *Worker {
	return &Worker{id: id, dispatcher: d, jobChannel: make(chan Job)}
}

// Start registers the worker's channel in the pool after every job.
func (w *Worker) Start() {
	d := w.dispatcher
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case d.workerPool <- w.jobChannel:
			case <-d.quit:
				return
			}
			select {
			case job := <-w.jobChannel:
				d.execute(w.id, job)
			case <-d.quit:
				return
			}
		}
	}()
}
