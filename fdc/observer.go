package fdc

// Observer receives the seven notification kinds the core emits. All
// methods are called synchronously on whatever goroutine is driving the
// core at the time (a read-loop callback, a command-frame handler, or the
// inactivity timer); an Observer must not call back into the Core from
// within one of these methods.
type Observer interface {
	StatusChanged(text string)
	MessageChanged(text string)
	ErrorMessage(title, text string)
	MountChanged(drive int, mounted bool, path string, maxTrack int, sizeLabel string)
	TrackChanged(drive, track int)
	DriveChanged(drive int)
	HeadChanged(drive int, loaded bool)
}

// observerSet is an ordered collection of Observers, delivered to in
// registration order.
type observerSet struct {
	observers []Observer
}

func (s *observerSet) subscribe(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *observerSet) unsubscribe(o Observer) {
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *observerSet) statusChanged(text string) {
	for _, o := range s.observers {
		o.StatusChanged(text)
	}
}

func (s *observerSet) messageChanged(text string) {
	for _, o := range s.observers {
		o.MessageChanged(text)
	}
}

func (s *observerSet) errorMessage(title, text string) {
	for _, o := range s.observers {
		o.ErrorMessage(title, text)
	}
}

func (s *observerSet) mountChanged(drive int, mounted bool, path string, maxTrack int, sizeLabel string) {
	for _, o := range s.observers {
		o.MountChanged(drive, mounted, path, maxTrack, sizeLabel)
	}
}

func (s *observerSet) trackChanged(drive, track int) {
	for _, o := range s.observers {
		o.TrackChanged(drive, track)
	}
}

func (s *observerSet) driveChanged(drive int) {
	for _, o := range s.observers {
		o.DriveChanged(drive)
	}
}

func (s *observerSet) headChanged(drive int, loaded bool) {
	for _, o := range s.observers {
		o.HeadChanged(drive, loaded)
	}
}
