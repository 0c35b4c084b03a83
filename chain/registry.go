package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BoothStatus mirrors the registry's booking status enum.
type BoothStatus uint8

const (
	BoothUnbooked BoothStatus = iota
	BoothBooked
	BoothMaintenance
)

func (s BoothStatus) String() string {
	switch s {
	case BoothUnbooked:
		return "unbooked"
	case BoothBooked:
		return "booked"
	case BoothMaintenance:
		return "maintenance"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BoothMetadata is the display information attached to a booth.
type BoothMetadata struct {
	Location    string `json:"location"`
	DisplaySize string `json:"displaySize"`
}

// Booth is a registered ad display.
type Booth struct {
	DeviceID uint64         `json:"deviceId"`
	Owner    common.Address `json:"owner"`
	Active   bool           `json:"active"`
	Status   BoothStatus    `json:"status"`
	Metadata BoothMetadata  `json:"metadata"`
}

// Campaign is an advertiser's funded run over a set of booths.
type Campaign struct {
	ID              uint64         `json:"id"`
	Advertiser      common.Address `json:"advertiser"`
	Active          bool           `json:"active"`
	BookedLocations []uint64       `json:"bookedLocations"`
	Holder          common.Address `json:"holder"`
}

// Books reports whether deviceID is among the campaign's booked locations.
func (c Campaign) Books(deviceID uint64) bool {
	for _, id := range c.BookedLocations {
		if id == deviceID {
			return true
		}
	}
	return false
}

// RegistryReader is the read-only view of booths and campaigns used by the engine.
type RegistryReader interface {
	BoothDetails(ctx context.Context, deviceID uint64) (Booth, error)
	AllCampaigns(ctx context.Context) ([]Campaign, error)
}

// ActiveCampaignsFor filters campaigns that are active and book deviceID.
func ActiveCampaignsFor(campaigns []Campaign, deviceID uint64) []Campaign {
	out := make([]Campaign, 0)
	for _, campaign := range campaigns {
		if campaign.Active && campaign.Books(deviceID) {
			out = append(out, campaign)
		}
	}
	return out
}

// ActiveCampaigns returns only the active campaigns.
func ActiveCampaigns(campaigns []Campaign) []Campaign {
	out := make([]Campaign, 0, len(campaigns))
	for _, campaign := range campaigns {
		if campaign.Active {
			out = append(out, campaign)
		}
	}
	return out
}

// BoothRegistry reads booth ownership and campaign membership from the registry contract.
type BoothRegistry struct {
	caller  ContractCaller
	address common.Address
	timeout time.Duration
}

// NewBoothRegistry binds a reader to the registry deployed at address.
func NewBoothRegistry(caller ContractCaller, address common.Address, timeout time.Duration) *BoothRegistry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &BoothRegistry{caller: caller, address: address, timeout: timeout}
}

// Address returns the registry contract address.
func (r *BoothRegistry) Address() common.Address { return r.address }

// BoothDetails fetches the registry entry for deviceID.
func (r *BoothRegistry) BoothDetails(ctx context.Context, deviceID uint64) (Booth, error) {
	values, err := callContract(ctx, r.caller, r.address, BoothRegistryABI, r.timeout, "getBoothDetails", bigFromUint64(deviceID))
	if err != nil {
		return Booth{}, fmt.Errorf("registry booth %d: %w", deviceID, err)
	}
	if len(values) != 5 {
		return Booth{}, fmt.Errorf("registry booth %d: unexpected output length %d", deviceID, len(values))
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return Booth{}, fmt.Errorf("registry booth %d: owner type %T", deviceID, values[0])
	}
	active, _ := values[1].(bool)
	status, _ := values[2].(uint8)
	location, _ := values[3].(string)
	size, _ := values[4].(string)
	if (owner == common.Address{}) {
		return Booth{}, fmt.Errorf("registry booth %d: not registered", deviceID)
	}
	return Booth{
		DeviceID: deviceID,
		Owner:    owner,
		Active:   active,
		Status:   BoothStatus(status),
		Metadata: BoothMetadata{
			Location:    strings.TrimSpace(location),
			DisplaySize: strings.TrimSpace(size),
		},
	}, nil
}

// AllCampaigns enumerates every campaign in the registry.
func (r *BoothRegistry) AllCampaigns(ctx context.Context) ([]Campaign, error) {
	values, err := callContract(ctx, r.caller, r.address, BoothRegistryABI, r.timeout, "getCampaignCount")
	if err != nil {
		return nil, fmt.Errorf("registry campaign count: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("registry campaign count: unexpected output length %d", len(values))
	}
	count, err := uintOutput(values[0])
	if err != nil {
		return nil, fmt.Errorf("registry campaign count: %w", err)
	}
	campaigns := make([]Campaign, 0, count)
	for i := uint64(0); i < count; i++ {
		campaign, err := r.campaignAt(ctx, i)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, nil
}

func (r *BoothRegistry) campaignAt(ctx context.Context, index uint64) (Campaign, error) {
	values, err := callContract(ctx, r.caller, r.address, BoothRegistryABI, r.timeout, "getCampaign", bigFromUint64(index))
	if err != nil {
		return Campaign{}, fmt.Errorf("registry campaign %d: %w", index, err)
	}
	if len(values) != 5 {
		return Campaign{}, fmt.Errorf("registry campaign %d: unexpected output length %d", index, len(values))
	}
	id, err := uintOutput(values[0])
	if err != nil {
		return Campaign{}, fmt.Errorf("registry campaign %d id: %w", index, err)
	}
	advertiser, _ := values[1].(common.Address)
	active, _ := values[2].(bool)
	rawLocations, ok := values[3].([]*big.Int)
	if !ok {
		return Campaign{}, fmt.Errorf("registry campaign %d: locations type %T", index, values[3])
	}
	holder, _ := values[4].(common.Address)
	locations := make([]uint64, 0, len(rawLocations))
	seen := make(map[uint64]struct{}, len(rawLocations))
	for _, raw := range rawLocations {
		deviceID, err := toUint64(raw)
		if err != nil {
			return Campaign{}, fmt.Errorf("registry campaign %d location: %w", index, err)
		}
		if _, dup := seen[deviceID]; dup {
			continue
		}
		seen[deviceID] = struct{}{}
		locations = append(locations, deviceID)
	}
	return Campaign{
		ID:              id,
		Advertiser:      advertiser,
		Active:          active,
		BookedLocations: locations,
		Holder:          holder,
	}, nil
}
