package reconcile

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

type ReservationStatus string

const (
	ReservationConfirmed  ReservationStatus = "confirmed"
	ReservationCheckedIn  ReservationStatus = "checked-in"
	ReservationCheckedOut ReservationStatus = "checked-out"
	ReservationCancelled  ReservationStatus = "cancelled"
)

type Sender string

const (
	SenderGuest     Sender = "guest"
	SenderReception Sender = "reception"
)

type ServiceType string

const (
	ServiceRoomService  ServiceType = "room-service"
	ServiceHousekeeping ServiceType = "housekeeping"
	ServiceTransport    ServiceType = "transport"
)

type ServiceStatus string

const (
	ServicePending    ServiceStatus = "pending"
	ServiceInProgress ServiceStatus = "in-progress"
	ServiceCompleted  ServiceStatus = "completed"
	ServiceCancelled  ServiceStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s ServiceStatus) Terminal() bool {
	return s == ServiceCompleted || s == ServiceCancelled
}

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationUrgent  NotificationType = "urgent"
)

type Reservation struct {
	ID          string            `json:"id"`
	GuestID     string            `json:"guestId"`
	GuestName   string            `json:"guestName,omitempty"`
	RoomID      string            `json:"roomId"`
	RoomNumber  string            `json:"roomNumber,omitempty"`
	CheckIn     time.Time         `json:"checkIn"`
	CheckOut    time.Time         `json:"checkOut"`
	Status      ReservationStatus `json:"status"`
	TotalAmount float64           `json:"totalAmount"`
}

type Message struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservationId"`
	RoomNumber    string    `json:"roomNumber"`
	Content       string    `json:"content"`
	Sender        Sender    `json:"sender"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

type ServiceRequest struct {
	ID            string        `json:"id"`
	ReservationID string        `json:"reservationId"`
	RoomNumber    string        `json:"roomNumber"`
	GuestName     string        `json:"guestName"`
	Type          ServiceType   `json:"type"`
	Status        ServiceStatus `json:"status"`
	Details       string        `json:"details"`
	CreatedAt     time.Time     `json:"createdAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}

type Notification struct {
	ID            string           `json:"id"`
	ReservationID string           `json:"reservationId,omitempty"`
	RoomNumber    string           `json:"roomNumber,omitempty"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Type          NotificationType `json:"type"`
	Read          bool             `json:"read"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type Room struct {
	ID          string   `json:"id"`
	Number      string   `json:"number"`
	Floor       int      `json:"floor"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Price       float64  `json:"price"`
	Capacity    int      `json:"capacity"`
	Description string   `json:"description,omitempty"`
	Features    []string `json:"features,omitempty"`
	Amenities   []string `json:"amenities,omitempty"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Gallery     []string `json:"gallery,omitempty"`
}

type CatalogItem struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Price       float64  `json:"price"`
	Available   bool     `json:"available"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type WiFiInfo struct {
	Floor    string `json:"floor"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	Notes    string `json:"notes,omitempty"`
}

// Reconciler maps raw records onto canonical entities. It is a value type
// with no side effects; relative asset paths resolve against AssetOrigin.
type Reconciler struct {
	assetOrigin string
}

func New(assetOrigin string) Reconciler {
	return Reconciler{assetOrigin: strings.TrimRight(strings.TrimSpace(assetOrigin), "/")}
}

func (r Reconciler) Reservation(raw Raw) Reservation {
	guest := raw.Object("guest")
	guestID := raw.String("guestId", "guest_id")
	guestName := raw.String("guestName", "guest_name")
	if guest != nil {
		if guestID == "" {
			guestID = guest.String("id", "_id")
		}
		if guestName == "" {
			guestName = personName(guest)
		}
	}
	roomID := raw.String("roomId", "room_id")
	if roomID == "" {
		if room := raw.Object("room"); room != nil {
			roomID = room.String("id", "_id")
		}
	}
	return Reservation{
		ID:          raw.String("id", "_id", "reservationId"),
		GuestID:     guestID,
		GuestName:   guestName,
		RoomID:      roomID,
		RoomNumber:  roomNumber(raw),
		CheckIn:     raw.Time("checkIn", "check_in", "checkInDate", "checkin", "arrival"),
		CheckOut:    raw.Time("checkOut", "check_out", "checkOutDate", "checkout", "departure"),
		Status:      reservationStatus(raw.String("status", "state")),
		TotalAmount: raw.Float("totalAmount", "total_amount", "total", "amount"),
	}
}

func (r Reconciler) Message(raw Raw) Message {
	return Message{
		ID:            raw.String("id", "_id", "messageId"),
		ReservationID: reservationID(raw),
		RoomNumber:    roomNumber(raw),
		Content:       raw.String("content", "message", "text", "body"),
		Sender:        sender(raw.String("sender", "from", "senderType", "senderRole")),
		Timestamp:     raw.Time("timestamp", "createdAt", "sentAt", "created"),
		Read:          raw.Bool(false, "read", "isRead", "seen"),
	}
}

func (r Reconciler) ServiceRequest(raw Raw) ServiceRequest {
	guestName := raw.String("guestName", "guest_name")
	if guestName == "" {
		if guest := raw.Object("guest"); guest != nil {
			guestName = personName(guest)
		}
	}
	out := ServiceRequest{
		ID:            raw.String("id", "_id", "requestId"),
		ReservationID: reservationID(raw),
		RoomNumber:    roomNumber(raw),
		GuestName:     guestName,
		Type:          serviceType(raw.String("type", "serviceType", "category")),
		Status:        serviceStatus(raw.String("status", "state")),
		Details:       raw.String("details", "description", "notes", "request"),
		CreatedAt:     raw.Time("createdAt", "created", "requestedAt", "timestamp"),
	}
	if completed := raw.Time("completedAt", "completed", "finishedAt"); !completed.IsZero() {
		out.CompletedAt = &completed
	}
	return out
}

func (r Reconciler) Notification(raw Raw) Notification {
	return Notification{
		ID:            raw.String("id", "_id", "notificationId"),
		ReservationID: reservationID(raw),
		RoomNumber:    roomNumber(raw),
		Title:         raw.String("title", "subject", "heading"),
		Message:       raw.String("message", "body", "content", "text"),
		Type:          notificationType(raw.String("type", "level", "severity")),
		Read:          raw.Bool(false, "read", "isRead", "seen"),
		CreatedAt:     raw.Time("createdAt", "created", "timestamp"),
	}
}

func (r Reconciler) Room(raw Raw) Room {
	number := raw.String("number", "roomNumber", "room_no", "roomNo")
	images := r.assets(raw.List("gallery", "images", "galleryUrls", "gallery_images", "photos"))
	imageURL := r.asset(raw.String("imageUrl", "image", "thumbnail", "cover", "photo"))
	if imageURL == "" && len(images) > 0 {
		imageURL = images[0]
	}
	return Room{
		ID:          raw.String("id", "_id", "roomId"),
		Number:      number,
		Floor:       raw.Int("floor", "floorNumber", "level"),
		Type:        raw.String("type", "roomType", "category"),
		Status:      normalizeToken(raw.String("status", "state")),
		Price:       raw.Float("price", "rate", "pricePerNight", "nightlyRate"),
		Capacity:    raw.Int("capacity", "maxGuests", "occupancy"),
		Description: raw.String("description", "details"),
		Features:    raw.List("features", "featureList"),
		Amenities:   raw.List("amenities", "amenityList"),
		ImageURL:    imageURL,
		Gallery:     images,
	}
}

func (r Reconciler) CatalogItem(raw Raw) CatalogItem {
	return CatalogItem{
		ID:          raw.String("id", "_id", "itemId"),
		Type:        normalizeToken(raw.String("type", "category", "catalogType")),
		Name:        raw.String("name", "title", "label"),
		Description: raw.String("description", "details"),
		Price:       raw.Float("price", "cost", "amount"),
		Available:   raw.Bool(true, "available", "isAvailable", "inStock", "active"),
		ImageURL:    r.asset(raw.String("imageUrl", "image", "photo", "thumbnail")),
		Tags:        raw.List("tags", "labels", "dietary"),
	}
}

func (r Reconciler) WiFi(raw Raw) WiFiInfo {
	return WiFiInfo{
		Floor:    raw.String("floor", "floorNumber", "level"),
		SSID:     raw.String("ssid", "network", "networkName", "name"),
		Password: raw.String("password", "pass", "key", "passphrase"),
		Notes:    raw.String("notes", "instructions", "description"),
	}
}

func (r Reconciler) Reservations(raws []Raw) []Reservation { return All(raws, r.Reservation) }
func (r Reconciler) Messages(raws []Raw) []Message          { return All(raws, r.Message) }
func (r Reconciler) ServiceRequests(raws []Raw) []ServiceRequest {
	return All(raws, r.ServiceRequest)
}
func (r Reconciler) Notifications(raws []Raw) []Notification { return All(raws, r.Notification) }
func (r Reconciler) Rooms(raws []Raw) []Room                 { return All(raws, r.Room) }
func (r Reconciler) CatalogItems(raws []Raw) []CatalogItem   { return All(raws, r.CatalogItem) }

// All applies fn to every raw record, skipping nil records.
func All[T any](raws []Raw, fn func(Raw) T) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		out = append(out, fn(raw))
	}
	return out
}

func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
}

func SortServiceRequests(reqs []ServiceRequest) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
}

func SortNotifications(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].CreatedAt.Before(ns[j].CreatedAt) })
}

func (r Reconciler) asset(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || r.assetOrigin == "" {
		return path
	}
	if strings.HasPrefix(path, "data:") || strings.HasPrefix(path, "//") {
		return path
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return r.assetOrigin + "/" + strings.TrimLeft(path, "/")
}

func (r Reconciler) assets(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, r.asset(p))
	}
	return out
}

func reservationID(raw Raw) string {
	if id := raw.String("reservationId", "reservation_id", "bookingId"); id != "" {
		return id
	}
	if res := raw.Object("reservation"); res != nil {
		return res.String("id", "_id")
	}
	return raw.String("reservation")
}

func roomNumber(raw Raw) string {
	if n := raw.String("roomNumber", "room_number", "roomNo"); n != "" {
		return n
	}
	if room := raw.Object("room"); room != nil {
		return room.String("number", "roomNumber")
	}
	return raw.String("room")
}

func personName(p Raw) string {
	if name := p.String("name", "fullName"); name != "" {
		return name
	}
	return strings.TrimSpace(p.String("firstName", "first_name") + " " + p.String("lastName", "last_name"))
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", "-", " ", "-").Replace(s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}

func reservationStatus(s string) ReservationStatus {
	switch t := normalizeToken(s); t {
	case "checkedin", "checkin", "check-in", "in-house":
		return ReservationCheckedIn
	case "checkedout", "checkout", "check-out":
		return ReservationCheckedOut
	case "canceled":
		return ReservationCancelled
	default:
		return ReservationStatus(t)
	}
}

func sender(s string) Sender {
	switch normalizeToken(s) {
	case "guest", "customer", "client":
		return SenderGuest
	case "reception", "staff", "admin", "hotel", "front-desk", "frontdesk", "receptionist":
		return SenderReception
	default:
		return Sender(normalizeToken(s))
	}
}

func serviceType(s string) ServiceType {
	switch t := normalizeToken(s); t {
	case "roomservice", "room", "food", "dining", "in-room-dining":
		return ServiceRoomService
	case "cleaning", "house-keeping":
		return ServiceHousekeeping
	case "transportation", "taxi", "shuttle", "car":
		return ServiceTransport
	default:
		return ServiceType(t)
	}
}

func serviceStatus(s string) ServiceStatus {
	switch t := normalizeToken(s); t {
	case "inprogress", "in-process", "processing", "en-route", "accepted":
		return ServiceInProgress
	case "done", "complete", "finished", "delivered":
		return ServiceCompleted
	case "canceled":
		return ServiceCancelled
	case "new", "open", "requested":
		return ServicePending
	default:
		return ServiceStatus(t)
	}
}

func notificationType(s string) NotificationType {
	switch t := normalizeToken(s); t {
	case "":
		return NotificationInfo
	case "warn":
		return NotificationWarning
	case "error", "critical", "alert", "emergency":
		return NotificationUrgent
	case "ok", "done":
		return NotificationSuccess
	default:
		return NotificationType(t)
	}
}

// ParseServiceType normalizes s and reports whether it is a known type.
func ParseServiceType(s string) (ServiceType, bool) {
	t := serviceType(s)
	switch t {
	case ServiceRoomService, ServiceHousekeeping, ServiceTransport:
		return t, true
	}
	return t, false
}

func ParseServiceStatus(s string) (ServiceStatus, bool) {
	st := serviceStatus(s)
	switch st {
	case ServicePending, ServiceInProgress, ServiceCompleted, ServiceCancelled:
		return st, true
	}
	return st, false
}

func ParseNotificationType(s string) (NotificationType, bool) {
	t := notificationType(s)
	switch t {
	case NotificationInfo, NotificationSuccess, NotificationWarning, NotificationUrgent:
		return t, true
	}
	return t, false
}
