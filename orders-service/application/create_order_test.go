package application

import (
	"context"
	"testing"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/orders-service/mocks"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func validCommand() *CreateOrderCommand {
	return &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items: []OrderItemCommand{
			{ProductID: models.GenerateUUID().String(), Quantity: 2, UnitPrice: 1500},
			{ProductID: models.GenerateUUID().String(), Quantity: 1, UnitPrice: 2000},
		},
		ShippingAddress: "742 Evergreen Terrace",
	}
}

func TestCreateOrder_Execute(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		command       func() *CreateOrderCommand
		setupMocks    func(repo *mocks.MockOrderRepository, starter *mocks.MockSagaStarter)
		expectedError error
		expectedMsg   string
	}{
		{
			name:    "stores order and starts saga",
			command: validCommand,
			setupMocks: func(repo *mocks.MockOrderRepository, starter *mocks.MockSagaStarter) {
				var stored *domain.Order
				repo.EXPECT().Create(mock.Anything, mock.AnythingOfType("*domain.Order")).
					Run(func(ctx context.Context, order *domain.Order) { stored = order }).
					Return(nil).Once()
				starter.EXPECT().Start(mock.Anything, mock.MatchedBy(func(order *domain.Order) bool {
					return order == stored
				})).Return(nil).Once()
			},
		},
		{
			name: "missing user",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.UserID = ""
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "malformed user id",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.UserID = "user-1"
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "malformed product id",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.Items[1].ProductID = "sku-2"
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "no items",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.Items = nil
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "non-positive quantity",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.Items[0].Quantity = 0
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "non-positive price",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.Items[0].UnitPrice = -5
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "missing address",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.ShippingAddress = ""
				return cmd
			},
			expectedError: ErrInvalidCommand,
		},
		{
			name: "blank address rejected by the aggregate",
			command: func() *CreateOrderCommand {
				cmd := validCommand()
				cmd.ShippingAddress = "  "
				return cmd
			},
			expectedError: domain.ErrInvalidOrder,
		},
		{
			name:    "repository failure",
			command: validCommand,
			setupMocks: func(repo *mocks.MockOrderRepository, starter *mocks.MockSagaStarter) {
				repo.EXPECT().Create(mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()
			},
			expectedMsg: "failed to save order: connection refused",
		},
		{
			name:    "saga not started cancels the order",
			command: validCommand,
			setupMocks: func(repo *mocks.MockOrderRepository, starter *mocks.MockSagaStarter) {
				repo.EXPECT().Create(mock.Anything, mock.Anything).Return(nil).Once()
				starter.EXPECT().Start(mock.Anything, mock.Anything).Return(ErrShuttingDown).Once()
				repo.EXPECT().SetPaymentStatus(mock.Anything, mock.Anything, domain.PaymentStatusFailed).Return(nil).Once()
				repo.EXPECT().SetStatus(mock.Anything, mock.Anything, domain.OrderStatusCancelled).Return(nil).Once()
			},
			expectedError: ErrShuttingDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockOrderRepository(t)
			starter := mocks.NewMockSagaStarter(t)
			if tt.setupMocks != nil {
				tt.setupMocks(repo, starter)
			}

			uc := NewCreateOrder(repo, starter, zaptest.NewLogger(t))
			response, err := uc.Execute(ctx, tt.command())

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
				assert.Nil(t, response)
				return
			}
			if tt.expectedMsg != "" {
				assert.EqualError(t, err, tt.expectedMsg)
				assert.Nil(t, response)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, response.OrderID)
			assert.Equal(t, string(domain.OrderStatusPending), response.Status)
			assert.Equal(t, int64(5000), response.TotalAmount)
			assert.Equal(t, "USD", response.Currency)
		})
	}
}
