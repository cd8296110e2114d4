package stub

import "sync"

// hub 管理频道级别的子 hub，按 (server, channel) 懒加载。
type hub struct {
	mu       sync.RWMutex
	channels map[string]*channelHub
}

func newHub() *hub {
	return &hub{channels: make(map[string]*channelHub)}
}

func (h *hub) get(key string) *channelHub {
	h.mu.RLock()
	ch := h.channels[key]
	h.mu.RUnlock()
	if ch != nil {
		return ch
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch = h.channels[key]
	if ch != nil {
		return ch
	}
	ch = newChannelHub()
	h.channels[key] = ch
	go ch.run()
	return ch
}

type channelHub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

func newChannelHub() *channelHub {
	return &channelHub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

func (ch *channelHub) run() {
	for {
		select {
		case c := <-ch.register:
			ch.clients[c] = true
		case c := <-ch.unregister:
			if _, ok := ch.clients[c]; ok {
				delete(ch.clients, c)
				close(c.send)
			}
		case msg := <-ch.broadcast:
			for c := range ch.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(ch.clients, c)
				}
			}
		}
	}
}
