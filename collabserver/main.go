package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cristalhq/base64"
	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/golang/glog"
)

// collabserver is the reference sync backend: an opaque byte log per
// document behind the REST pull/push protocol, plus a websocket fan-out
// hub for realtime. It never merges CRDT state.

const CollabServerVersion = "0.1.0"

const snapshotCacheSize = 1024

func main() {
	usage := `Collab reference sync server.

Usage:
    collabserver serve [--port=<port>]
        [--auth_secret=<secret>]
        [--user=<user> --password=<password>]
    collabserver --version

Options:
    --port=<port>            Listen port [default: 8090].
    --auth_secret=<secret>   HS256 secret. When set, /pull, /push, and
                             /realtime require a valid bearer token.
    --user=<user>            User accepted by /auth/login.
    --password=<password>    Password accepted by /auth/login.
    -h --help                Show this screen.
    --version                Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabServerVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	port, _ := opts.Int("--port")
	authSecret, _ := opts.String("--auth_secret")
	user, _ := opts.String("--user")
	password, _ := opts.String("--password")

	server := newServer(authSecret, user, password)

	router := mux.NewRouter()
	router.HandleFunc("/auth/login", server.login).Methods("POST")
	router.HandleFunc("/pull", server.auth(server.pull)).Methods("POST")
	router.HandleFunc("/push", server.auth(server.push)).Methods("POST")
	router.HandleFunc("/realtime", server.auth(server.realtime))

	glog.Infof("collabserver listening on :%d\n", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		glog.Errorf("listen: %s\n", err)
		os.Exit(1)
	}
}

// one opaque byte log per document. seq is the "date" on the wire: a
// client's lastSynced checkpoint is the last seq it has seen
type serverDoc struct {
	lock     sync.Mutex
	snapshot []byte
	// seq of the push that produced the snapshot
	snapshotSeq uint64
	updates     []serverUpdate
	seq         uint64
}

type serverUpdate struct {
	seq    uint64
	update []byte
}

type server struct {
	authSecret string
	user       string
	password   string

	lock sync.Mutex
	docs map[string]*serverDoc

	// hot-path cache of base64 snapshot payloads keyed by doc id + seq
	snapshotCache *lru.Cache[string, string]

	hub *hub
}

func newServer(authSecret string, user string, password string) *server {
	snapshotCache, err := lru.New[string, string](snapshotCacheSize)
	if err != nil {
		panic(err)
	}
	return &server{
		authSecret:    authSecret,
		user:          user,
		password:      password,
		docs:          map[string]*serverDoc{},
		snapshotCache: snapshotCache,
		hub:           newHub(),
	}
}

func (self *server) doc(docId string) *serverDoc {
	self.lock.Lock()
	defer self.lock.Unlock()
	doc, ok := self.docs[docId]
	if !ok {
		doc = &serverDoc{}
		self.docs[docId] = doc
	}
	return doc
}

// auth

type loginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type loginResult struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

func (self *server) login(w http.ResponseWriter, r *http.Request) {
	args := &loginArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if self.user == "" || args.User != self.user || args.Password != self.password {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(&loginResult{Error: "bad credentials"})
		return
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": args.User,
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(self.authSecret))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(&loginResult{Token: signed})
}

func (self *server) auth(handler http.HandlerFunc) http.HandlerFunc {
	if self.authSecret == "" {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		_, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(self.authSecret), nil
		})
		if err != nil {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}

// pull/push wire shapes (see the client adapter for the contract)

type pullDocument struct {
	Id              string  `json:"id"`
	LastSynced      *string `json:"lastSynced"`
	RequestSnapshot bool    `json:"requestSnapshot"`
	StateVector     string  `json:"stateVector,omitempty"`
}

type pullArgs struct {
	Documents []*pullDocument `json:"documents"`
}

type pullResultDocument struct {
	Id             string   `json:"id"`
	Snapshot       string   `json:"snapshot,omitempty"`
	Updates        []string `json:"updates,omitempty"`
	DateLastSynced *string  `json:"dateLastSynced"`
}

type pullResult struct {
	Documents []*pullResultDocument `json:"documents"`
}

type pushDocument struct {
	Id         string  `json:"id"`
	Update     string  `json:"update"`
	IsSnapshot bool    `json:"isSnapshot"`
	LastSynced *string `json:"lastSynced"`
}

type pushArgs struct {
	Documents []*pushDocument `json:"documents"`
}

type pushResultDocument struct {
	Id             string  `json:"id"`
	DateLastSynced *string `json:"dateLastSynced"`
}

type pushResult struct {
	Documents []*pushResultDocument `json:"documents"`
}

func parseSeq(lastSynced *string) uint64 {
	if lastSynced == nil {
		return 0
	}
	seq, err := strconv.ParseUint(*lastSynced, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func seqString(seq uint64) *string {
	s := strconv.FormatUint(seq, 10)
	return &s
}

func (self *server) pull(w http.ResponseWriter, r *http.Request) {
	args := &pullArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result := &pullResult{}
	for _, pullDoc := range args.Documents {
		doc := self.doc(pullDoc.Id)
		doc.lock.Lock()

		resultDoc := &pullResultDocument{
			Id: pullDoc.Id,
		}
		sinceSeq := parseSeq(pullDoc.LastSynced)

		if pullDoc.LastSynced == nil && doc.snapshot != nil {
			// first contact: bootstrap from the snapshot, then replay
			// whatever came in after it
			resultDoc.Snapshot = self.encodedSnapshot(pullDoc.Id, doc)
			sinceSeq = doc.snapshotSeq
		}
		for _, update := range doc.updates {
			if sinceSeq < update.seq {
				resultDoc.Updates = append(resultDoc.Updates, base64.StdEncoding.EncodeToString(update.update))
			}
		}
		if 0 < doc.seq {
			resultDoc.DateLastSynced = seqString(doc.seq)
		}
		doc.lock.Unlock()
		result.Documents = append(result.Documents, resultDoc)
	}
	json.NewEncoder(w).Encode(result)
}

// must be called with doc.lock held
func (self *server) encodedSnapshot(docId string, doc *serverDoc) string {
	cacheKey := fmt.Sprintf("%s@%d", docId, doc.snapshotSeq)
	if encoded, ok := self.snapshotCache.Get(cacheKey); ok {
		return encoded
	}
	encoded := base64.StdEncoding.EncodeToString(doc.snapshot)
	self.snapshotCache.Add(cacheKey, encoded)
	return encoded
}

func (self *server) push(w http.ResponseWriter, r *http.Request) {
	args := &pushArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result := &pushResult{}
	for _, pushDoc := range args.Documents {
		update, err := base64.StdEncoding.DecodeString(pushDoc.Update)
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		doc := self.doc(pushDoc.Id)
		doc.lock.Lock()
		doc.seq += 1
		if pushDoc.IsSnapshot {
			doc.snapshot = update
			doc.snapshotSeq = doc.seq
		} else {
			doc.updates = append(doc.updates, serverUpdate{
				seq:    doc.seq,
				update: update,
			})
		}
		seq := doc.seq
		doc.lock.Unlock()

		glog.V(2).Infof("push %s seq=%d snapshot=%t bytes=%d\n", pushDoc.Id, seq, pushDoc.IsSnapshot, len(update))
		result.Documents = append(result.Documents, &pushResultDocument{
			Id:             pushDoc.Id,
			DateLastSynced: seqString(seq),
		})
	}
	json.NewEncoder(w).Encode(result)
}

// realtime hub

const messageJoin = "join"
const messageLeave = "leave"
const messageUpdate = "update"

type hubMessage struct {
	Type   string `json:"type"`
	Id     string `json:"id"`
	Update string `json:"update,omitempty"`
}

type hubMember struct {
	conn  *websocket.Conn
	sendC chan []byte
	// doc ids this member joined
	docIds map[string]bool
}

type hub struct {
	lock sync.Mutex
	// doc id -> members
	rooms map[string]map[*hubMember]bool
}

func newHub() *hub {
	return &hub{
		rooms: map[string]map[*hubMember]bool{},
	}
}

func (self *hub) join(member *hubMember, docId string) {
	self.lock.Lock()
	defer self.lock.Unlock()
	room, ok := self.rooms[docId]
	if !ok {
		room = map[*hubMember]bool{}
		self.rooms[docId] = room
	}
	room[member] = true
	member.docIds[docId] = true
}

func (self *hub) leave(member *hubMember, docId string) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if room, ok := self.rooms[docId]; ok {
		delete(room, member)
		if len(room) == 0 {
			delete(self.rooms, docId)
		}
	}
	delete(member.docIds, docId)
}

func (self *hub) drop(member *hubMember) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for docId := range member.docIds {
		if room, ok := self.rooms[docId]; ok {
			delete(room, member)
			if len(room) == 0 {
				delete(self.rooms, docId)
			}
		}
	}
}

// fan out to everyone in the room except the sender
func (self *hub) broadcast(sender *hubMember, docId string, messageBytes []byte) {
	self.lock.Lock()
	members := []*hubMember{}
	for member := range self.rooms[docId] {
		if member != sender {
			members = append(members, member)
		}
	}
	self.lock.Unlock()

	for _, member := range members {
		select {
		case member.sendC <- messageBytes:
		default:
			// slow consumer; drop the frame, sync will repair
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *server) realtime(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(2).Infof("upgrade: %s\n", err)
		return
	}
	member := &hubMember{
		conn:   conn,
		sendC:  make(chan []byte, 32),
		docIds: map[string]bool{},
	}
	doneC := make(chan struct{})

	go func() {
		for {
			select {
			case <-doneC:
				return
			case messageBytes := <-member.sendC:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		self.hub.drop(member)
		close(doneC)
		conn.Close()
	}()

	conn.SetPingHandler(nil)
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		message := &hubMessage{}
		if err := json.Unmarshal(messageBytes, message); err != nil {
			continue
		}
		switch message.Type {
		case messageJoin:
			self.hub.join(member, message.Id)
		case messageLeave:
			self.hub.leave(member, message.Id)
		case messageUpdate:
			self.hub.broadcast(member, message.Id, messageBytes)
		}
	}
}
